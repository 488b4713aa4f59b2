// Package archive renders the persisted tables as CSV and ships periodic
// snapshots of them to an object store.
package archive

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"github.com/FayzaCH/fog-server/internal/observability"
	"github.com/FayzaCH/fog-server/internal/state"
)

var tableNames = []string{"cos", "requests", "attempts", "responses", "paths"}

// TableNames returns the exportable table names in a stable order.
func TableNames() []string {
	out := make([]string, len(tableNames))
	copy(out, tableNames)
	return out
}

// WriteTable streams one table as CSV. Unknown table names are an error.
func WriteTable(ctx context.Context, w io.Writer, st state.Store, table string) error {
	switch table {
	case "cos":
		return writeCos(ctx, w, st)
	case "requests":
		return writeRequests(ctx, w, st)
	case "attempts":
		return writeAttempts(ctx, w, st)
	case "responses":
		return writeResponses(ctx, w, st)
	case "paths":
		return writePaths(ctx, w, st)
	default:
		return fmt.Errorf("unknown table %q", table)
	}
}

func writeCos(ctx context.Context, w io.Writer, st state.Store) error {
	rows, err := st.ListCos(ctx)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "name", "max_response_time", "min_concurrent_users",
		"min_requests_per_second", "min_bandwidth", "max_delay", "max_jitter",
		"max_loss_rate", "min_cpu", "min_ram", "min_disk"})
	for _, c := range rows {
		_ = cw.Write([]string{
			strconv.FormatInt(c.ID, 10),
			c.Name,
			ffloat(c.MaxResponseTime),
			ffloat(c.MinConcurrentUsers),
			ffloat(c.MinRequestsPerSecond),
			ffloat(c.MinBandwidth),
			ffloat(c.MaxDelay),
			ffloat(c.MaxJitter),
			ffloat(c.MaxLossRate),
			ffloat(c.MinCPU),
			ffloat(c.MinRAM),
			ffloat(c.MinDisk),
		})
	}
	cw.Flush()
	return cw.Error()
}

func writeRequests(ctx context.Context, w io.Writer, st state.Store) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "src", "cos_id", "state", "host", "path",
		"attempt", "hreq_at", "dres_at", "created_at", "updated_at"})
	err := forEachRequest(ctx, st, func(r state.RequestRecord) error {
		_ = cw.Write([]string{
			r.ID, r.Src,
			strconv.FormatInt(r.CosID, 10),
			r.State, r.Host, r.Path,
			strconv.Itoa(r.Attempt),
			ftime(r.HreqAt), ftime(r.DresAt), ftime(r.CreatedAt), ftime(r.UpdatedAt),
		})
		return nil
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func writeAttempts(ctx context.Context, w io.Writer, st state.Store) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"req_id", "src", "attempt_no", "host", "path", "state",
		"hreq_at", "hres_at", "rres_at", "dres_at"})
	err := forEachRequest(ctx, st, func(r state.RequestRecord) error {
		atts, err := st.ListAttempts(ctx, r.ID, r.Src)
		if err != nil {
			return err
		}
		for _, a := range atts {
			_ = cw.Write([]string{
				a.ReqID, a.Src,
				strconv.Itoa(a.AttemptNo),
				a.Host, a.Path, a.State,
				ftime(a.HreqAt), ftime(a.HresAt), ftime(a.RresAt), ftime(a.DresAt),
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func writeResponses(ctx context.Context, w io.Writer, st state.Store) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"req_id", "src", "attempt_no", "host", "algorithm",
		"algo_time", "cpu", "ram", "disk", "timestamp"})
	err := forEachRequest(ctx, st, func(r state.RequestRecord) error {
		resps, err := st.ListResponses(ctx, r.ID, r.Src)
		if err != nil {
			return err
		}
		for _, resp := range resps {
			_ = cw.Write([]string{
				resp.ReqID, resp.Src,
				strconv.Itoa(resp.AttemptNo),
				resp.Host, resp.Algorithm,
				ffloat(resp.AlgoTime), ffloat(resp.CPU), ffloat(resp.RAM), ffloat(resp.Disk),
				ftime(resp.Timestamp),
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func writePaths(ctx context.Context, w io.Writer, st state.Store) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"req_id", "src", "attempt_no", "host", "path",
		"bandwidths", "delays", "jitters", "loss_rates", "weight_type", "weight", "timestamp"})
	err := forEachRequest(ctx, st, func(r state.RequestRecord) error {
		paths, err := st.ListPaths(ctx, r.ID, r.Src)
		if err != nil {
			return err
		}
		for _, p := range paths {
			_ = cw.Write([]string{
				p.ReqID, p.Src,
				strconv.Itoa(p.AttemptNo),
				p.Host, p.Path,
				fseries(p.Bandwidths), fseries(p.Delays), fseries(p.Jitters), fseries(p.LossRates),
				p.WeightType,
				ffloat(p.Weight),
				ftime(p.Timestamp),
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

const exportPageSize = 200

// forEachRequest walks the requests table in pages so backends with a
// server-side default limit still yield every row.
func forEachRequest(ctx context.Context, st state.Store, fn func(state.RequestRecord) error) error {
	for offset := 0; ; offset += exportPageSize {
		reqs, err := st.ListRequests(ctx, state.RequestQuery{Limit: exportPageSize, Offset: offset})
		if err != nil {
			return err
		}
		for _, r := range reqs {
			if err := fn(r); err != nil {
				return err
			}
		}
		if len(reqs) < exportPageSize {
			return nil
		}
	}
}

func ffloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func ftime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func fseries(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = ffloat(v)
	}
	return strings.Join(parts, ";")
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// Uploader ships CSV snapshots of every table to an S3-compatible bucket.
type Uploader struct {
	client *minio.Client
	bucket string
}

func NewUploader(opts Options) (*Uploader, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("archive endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		bucket = "fog-archive"
	}
	return &Uploader{client: client, bucket: bucket}, nil
}

func (u *Uploader) Bucket() string { return u.bucket }

// Archive uploads one CSV object per table under a timestamped prefix and
// returns the object names written.
func (u *Uploader) Archive(ctx context.Context, st state.Store) ([]string, error) {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}
	prefix := time.Now().UTC().Format("20060102T150405Z")
	objects := make([]string, 0, len(tableNames))
	for _, table := range tableNames {
		var buf bytes.Buffer
		if err := WriteTable(ctx, &buf, st, table); err != nil {
			return objects, err
		}
		name := fmt.Sprintf("%s/%s.csv", prefix, table)
		_, err := u.client.PutObject(ctx, u.bucket, name, bytes.NewReader(buf.Bytes()),
			int64(buf.Len()), minio.PutObjectOptions{ContentType: "text/csv"})
		if err != nil {
			return objects, err
		}
		objects = append(objects, name)
		logrus.WithFields(logrus.Fields{"bucket": u.bucket, "object": name, "bytes": buf.Len()}).
			Info("archived table")
	}
	observability.Default.IncCounter("archive_runs_total", nil, 1)
	return objects, nil
}
