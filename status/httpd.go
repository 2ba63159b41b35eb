package status

import (
	"context"
	"fmt"
	htmltemplate "html/template"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/PowerDNS/simpleblob"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ringstat/ringstat/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const shutdownTimeout = 5 * time.Second

// Handler returns the status page, the live interval API, the metrics and
// the healthz endpoint
func Handler(c config.Config) http.Handler {
	return newHandler(c, &gi)
}

func newHandler(c config.Config, i *info) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	// go-healthz registers its handler on the default mux
	mux.Handle("/healthz", http.DefaultServeMux)
	mux.Handle("/live", &liveHandler{i: i})
	mux.Handle("/", &Page{c: c, i: i})
	return mux
}

// Serve runs the HTTP server until the context is done. It returns nil
// right away when no address is configured.
func Serve(ctx context.Context, c config.Config, l logrus.FieldLogger) error {
	l = l.WithField("component", "httpd")
	if c.HTTP.Address == "" {
		l.Info("HTTP stats server disabled")
		return nil
	}
	l.WithField("address", c.HTTP.Address).Info("HTTP stats server enabled")
	srv := &http.Server{
		Addr:              c.HTTP.Address,
		Handler:           Handler(c),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		l.WithError(err).Warn("HTTP server shutdown")
	}
	return ctx.Err()
}

type liveHandler struct {
	i *info
}

// ServeHTTP returns the live intervals as JSON. The optional from and to
// parameters are capture times in milliseconds, type selects one
// transaction type.
func (h *liveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := intParam(q.Get("from"), math.MinInt64)
	if err != nil {
		http.Error(w, "invalid from: "+err.Error(), http.StatusBadRequest)
		return
	}
	to, err := intParam(q.Get("to"), math.MaxInt64)
	if err != nil {
		http.Error(w, "invalid to: "+err.Error(), http.StatusBadRequest)
		return
	}
	intervals := h.i.LiveIntervals(from, to, q.Get("type"))
	if intervals == nil {
		intervals = []LiveInterval{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(intervals); err != nil {
		logrus.WithError(err).Debug("Live interval response write failed")
	}
}

func intParam(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

type Page struct {
	c config.Config
	i *info
}

const statusTemplateString = `<!DOCTYPE html>
<html>
<head>
	<meta charset="UTF-8">
	<title>ringstat Status</title>
	<style>
		body          { font-family: sans-serif; }
		table, td, th { border: 1px solid #ccc; border-collapse: collapse; }
		td, th        { padding: 5px; text-align: left; }
		td.num        { text-align: right; }
		td.error      { background-color: #ffb8b8; }
		a             { text-decoration: none; color: #3c6ac5; }
	</style>
</head>
<body>
	<h1>ringstat Status</h1>
	<p>
		<a href="/metrics">Prometheus metrics</a> |
		<a href="/healthz">Health</a> |
		<a href="/live">Live intervals (JSON)</a>
	</p>

	<h2>Live intervals</h2>
	{{ range .Live }}
	<h3>{{ .Time.Format "2006-01-02 15:04:05" }} UTC</h3>
	<table>
		<tr><th>Type</th><th>Name</th><th>Count</th><th>Errors</th><th>Total time</th></tr>
		{{ range .Types }}
		<tr>
			<th>{{ .Type }}</th><th>(overall)</th>
			<td class="num">{{ .Overall.TransactionCount }}</td>
			<td class="num">{{ .Errors.ErrorCount }}</td>
			<td class="num">{{ nanos .Overall.TotalNanos }}</td>
		</tr>
		{{ range .Transactions }}
		<tr>
			<td></td><td>{{ .TransactionName }}</td>
			<td class="num">{{ .TransactionCount }}</td>
			<td></td>
			<td class="num">{{ nanos .TotalNanos }}</td>
		</tr>
		{{ end }}
		{{ end }}
	</table>
	{{ else }}
	<p>No intervals in memory</p>
	{{ end }}

	{{ with .Capped }}
	<h2>Capped database</h2>
	<p>{{ .Path }}: capacity {{ .Capacity.HR }}, cursor {{ .Cursor }}, oldest readable id {{ .SmallestNonExpiredID }}</p>
	<table>
		<tr><th>Type</th><th>Writes</th><th>Uncompressed</th><th>Compressed</th><th>Ratio</th><th>Write time</th></tr>
		{{ range .Types }}
		<tr>
			<td>{{ .Type }}</td>
			<td class="num">{{ .Writes }}</td>
			<td class="num">{{ .UncompressedBytes }}</td>
			<td class="num">{{ .CompressedBytes }}</td>
			<td class="num">{{ printf "%.3f" .CompressionRatio }}</td>
			<td class="num">{{ .WriteDuration }}</td>
		</tr>
		{{ end }}
	</table>
	{{ end }}

	<h2>LMDB</h2>
	{{ range .DBs }}
	<h3>{{ .Name }}</h3>
	{{ if .Err }}<p class="error">{{ .Err }}</p>{{ end }}
	<p>Used {{ .Used.HR }}{{ with .Info }} of {{ .MapSize }} bytes map, last txn {{ .LastTxnID }}{{ end }}</p>
	<table>
		<tr><th>DBI</th><th>Entries</th><th>Depth</th><th>Used</th><th>Flags</th></tr>
		{{ range .DBIStats }}
		<tr>
			<td>{{ .Name }}</td>
			<td class="num">{{ .Stat.Entries }}</td>
			<td class="num">{{ .Stat.Depth }}</td>
			<td class="num">{{ .Used.HR }}</td>
			<td>{{ .FlagsDisplay }}</td>
		</tr>
		{{ end }}
	</table>
	{{ end }}

	{{ if .BlobsErr }}
	<p>Archive: {{ .BlobsErr }}</p>
	{{ else }}
	<h2>Archive</h2>
	<table>
		<tr><th>Name</th><th>Size</th></tr>
		{{ range .Blobs }}
		<tr><td>{{ .Name }}</td><td class="num">{{ .Size }}</td></tr>
		{{ end }}
	</table>
	{{ end }}

	<h2>Config</h2>
	<pre>{{ .Config.String }}</pre>

</body>
</html>`

var statusTemplate *htmltemplate.Template

func init() {
	var err error
	statusTemplate, err = htmltemplate.New("status").Funcs(htmltemplate.FuncMap{
		"nanos": func(n int64) string {
			return time.Duration(n).Round(time.Microsecond).String()
		},
	}).Parse(statusTemplateString)
	if err != nil {
		log.Fatalf("BUG: Error in status HTML template: %v", err)
	}
}

func (p *Page) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := struct {
		Config config.Config
		Live   []LiveInterval
		Capped *CappedInfo
		DBs    []DBInfo
		Blobs  simpleblob.BlobList
		// BlobsErr is set when no archive is configured
		BlobsErr error
	}{
		Config: p.c,
		Live:   p.i.LiveIntervals(math.MinInt64, math.MaxInt64, ""),
		Capped: p.i.CappedInfo(),
		DBs:    p.i.DBInfo(),
	}
	data.Blobs, data.BlobsErr = p.i.ListBlobs(r.Context())

	err := statusTemplate.Execute(w, data)
	if err != nil {
		w.WriteHeader(500)
		_, _ = w.Write([]byte(fmt.Sprintf("Template execution error: %v", err)))
	}
}
