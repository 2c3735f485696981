// Copyright 2023 SQLKeeper Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package debug provides debug facilities.
package debug

import (
	"bytes"
	"context"
	"encoding/json"
	_ "expvar" // for metrics
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // for profiling
	"text/template"
	"time"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/sqlkeeper/sqlkeeper/internal/util/logging"
	"github.com/sqlkeeper/sqlkeeper/internal/util/must"
)

// StoreStatus is one entry of the /debug/status document.
type StoreStatus struct {
	Open        bool   `json:"open"`
	LastUsedISO string `json:"lastUsedIso"`
	AgeMS       int64  `json:"ageMs"`
}

// RunHandler runs the debug handler until ctx is canceled.
//
// status provides the current handle states for /debug/status;
// it may be nil.
func RunHandler(ctx context.Context, addr string, r prometheus.Registerer, status func() map[string]StoreStatus, l *zap.Logger) {
	stdL := must.NotFail(zap.NewStdLogAt(l, zap.WarnLevel))

	http.Handle("/debug/metrics", promhttp.InstrumentMetricHandler(
		r, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			ErrorLog:          stdL,
			ErrorHandling:     promhttp.ContinueOnError,
			Registry:          r,
			EnableOpenMetrics: true,
		}),
	))

	must.NoError(statsviz.Register(http.DefaultServeMux, statsviz.Root("/debug/graphs")))

	http.HandleFunc("/debug/logs", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(rw).Encode(logging.RecentEntries.Get()); err != nil {
			l.Error("Failed to encode log entries.", zap.Error(err))
		}
	})

	http.HandleFunc("/debug/status", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")

		res := map[string]StoreStatus{}
		if status != nil {
			res = status()
		}

		if err := json.NewEncoder(rw).Encode(res); err != nil {
			l.Error("Failed to encode status.", zap.Error(err))
		}
	})

	handlers := map[string]string{
		// custom handlers registered above
		"/debug/graphs":  "Visualize metrics",
		"/debug/metrics": "Metrics in Prometheus format",
		"/debug/logs":    "Recent log entries",
		"/debug/status":  "Tracked handle states",

		// stdlib handlers
		"/debug/vars":  "Expvar package metrics",
		"/debug/pprof": "Runtime profiling data for pprof",
	}

	var page bytes.Buffer
	must.NoError(template.Must(template.New("debug").Parse(`
	<html>
	<body>
	<ul>
	{{range $path, $desc := .}}
		<li><a href="{{$path}}">{{$path}}</a>: {{$desc}}</li>
	{{end}}
	</ul>
	</body>
	</html>
	`)).Execute(&page, handlers))

	http.HandleFunc("/debug", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Write(page.Bytes()) //nolint:errcheck // no way to handle that error
	})

	http.HandleFunc("/", func(rw http.ResponseWriter, req *http.Request) {
		http.Redirect(rw, req, "/debug", http.StatusSeeOther)
	})

	s := http.Server{
		Addr:     addr,
		ErrorLog: stdL,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		lis := must.NotFail(net.Listen("tcp", addr))

		root := fmt.Sprintf("http://%s", lis.Addr())

		l.Sugar().Infof("Starting debug server on %s ...", root)

		paths := maps.Keys(handlers)
		slices.Sort(paths)

		for _, path := range paths {
			l.Sugar().Infof("%s%s - %s", root, path, handlers[path])
		}

		if err := s.Serve(lis); err != http.ErrServerClosed {
			panic(err)
		}
	}()

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Shutdown(stopCtx) //nolint:contextcheck,errcheck // use new context for cancellation

	s.Close() //nolint:errcheck // the server is already stopped
	l.Sugar().Info("Debug server stopped.")
}
