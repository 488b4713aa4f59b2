package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "submit":
		runSubmit(os.Args[2:])
	case "get":
		runGet(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "cos":
		runCos(os.Args[2:])
	case "export":
		runExport(os.Args[2:])
	case "archive":
		runArchive(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: fogctl <submit|get|cancel|list|cos|export|archive> [...]")
}

func commonFlags(fs *flag.FlagSet) (server, token *string) {
	server = fs.String("server", envOr("FOG_SERVER", "http://127.0.0.1:8080"), "orchestrator base URL")
	token = fs.String("token", os.Getenv("FOG_API_AUTH_TOKEN"), "API bearer token")
	return server, token
}

func runSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	server, token := commonFlags(fs)
	src := fs.String("src", "", "source node id")
	cos := fs.Int64("cos", 1, "class of service id")
	data := fs.String("data", "", "request payload")
	_ = fs.Parse(args)
	if *src == "" {
		fatalf("submit: -src is required")
	}
	body := map[string]any{"src": *src, "cos_id": *cos}
	if *data != "" {
		body["data"] = []byte(*data)
	}
	doJSON(*server, *token, http.MethodPost, "/v1/requests", body)
}

func runGet(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	server, token := commonFlags(fs)
	src := fs.String("src", "", "source node id")
	sub := fs.String("show", "", "subresource: attempts, responses or paths")
	_ = fs.Parse(args)
	if fs.NArg() != 1 || *src == "" {
		fatalf("get: usage: fogctl get -src <src> [-show attempts|responses|paths] <request-id>")
	}
	path := "/v1/requests/" + fs.Arg(0)
	if *sub != "" {
		path += "/" + *sub
	}
	doJSON(*server, *token, http.MethodGet, path+"?src="+*src, nil)
}

func runCancel(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	server, token := commonFlags(fs)
	src := fs.String("src", "", "source node id")
	_ = fs.Parse(args)
	if fs.NArg() != 1 || *src == "" {
		fatalf("cancel: usage: fogctl cancel -src <src> <request-id>")
	}
	doJSON(*server, *token, http.MethodDelete, "/v1/requests/"+fs.Arg(0)+"?src="+*src, nil)
}

func runList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	server, token := commonFlags(fs)
	src := fs.String("src", "", "filter by source node")
	state := fs.String("state", "", "filter by request state")
	limit := fs.Int("limit", 0, "maximum rows")
	_ = fs.Parse(args)
	q := make([]string, 0, 3)
	if *src != "" {
		q = append(q, "src="+*src)
	}
	if *state != "" {
		q = append(q, "state="+*state)
	}
	if *limit > 0 {
		q = append(q, fmt.Sprintf("limit=%d", *limit))
	}
	path := "/v1/requests"
	if len(q) > 0 {
		path += "?" + strings.Join(q, "&")
	}
	doJSON(*server, *token, http.MethodGet, path, nil)
}

func runCos(args []string) {
	fs := flag.NewFlagSet("cos", flag.ExitOnError)
	server, token := commonFlags(fs)
	upsert := fs.String("upsert", "", "path to a JSON file describing one class of service")
	_ = fs.Parse(args)
	if *upsert == "" {
		doJSON(*server, *token, http.MethodGet, "/v1/cos", nil)
		return
	}
	raw, err := os.ReadFile(*upsert)
	if err != nil {
		fatalf("cos: %v", err)
	}
	var view map[string]any
	if err := json.Unmarshal(raw, &view); err != nil {
		fatalf("cos: %v", err)
	}
	doJSON(*server, *token, http.MethodPost, "/v1/cos", view)
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	server, token := commonFlags(fs)
	out := fs.String("o", "", "write CSV to file instead of stdout")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fatalf("export: usage: fogctl export <cos|requests|attempts|responses|paths>")
	}
	resp := do(*server, *token, http.MethodGet, "/v1/export/"+fs.Arg(0)+".csv", nil)
	defer resp.Body.Close()
	w := io.Writer(os.Stdout)
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			fatalf("export: %v", err)
		}
		defer f.Close()
		w = f
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		fatalf("export: %v", err)
	}
}

func runArchive(args []string) {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	server, token := commonFlags(fs)
	_ = fs.Parse(args)
	doJSON(*server, *token, http.MethodPost, "/v1/admin/archive", nil)
}

func doJSON(server, token, method, path string, body any) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			fatalf("%v", err)
		}
		payload = bytes.NewReader(raw)
	}
	resp := do(server, token, method, path, payload)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fatalf("%v", err)
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
}

func do(server, token, method, path string, body io.Reader) *http.Response {
	req, err := http.NewRequest(method, strings.TrimRight(server, "/")+path, body)
	if err != nil {
		fatalf("%v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%v", err)
	}
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		fatalf("%s %s failed: %s %s", method, path, resp.Status, strings.TrimSpace(string(raw)))
	}
	return resp
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
