// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spacemonkeygo/monkit/v3/present"
	"go.uber.org/zap"
)

var debugAddr = flag.String("debug.addr", "127.0.0.1:0", "address to listen on for debug endpoints")

func init() {
	// Importing net/http/pprof registers its handlers on the default
	// mux. Reset it so nothing serves profiling data by accident.
	*http.DefaultServeMux = http.ServeMux{}
}

// initDebug serves profiling, monkit and health endpoints on the
// debug.addr listener. An empty address disables the server.
func initDebug(logger *zap.Logger, registry *monkit.Registry) error {
	if *debugAddr == "" {
		return nil
	}

	listener, err := net.Listen("tcp", *debugAddr)
	if err != nil {
		return err
	}

	mux := debugMux(registry)
	go func() {
		logger.Debug("debug server listening", zap.Stringer("addr", listener.Addr()))
		if err := (&http.Server{Handler: mux}).Serve(listener); err != nil {
			logger.Error("debug server died", zap.Error(err))
		}
	}()
	return nil
}

func debugMux(registry *monkit.Registry) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/mon/", http.StripPrefix("/mon", present.HTTP(registry)))
	mux.HandleFunc("/metrics", promText)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintln(w, "OK")
	})
	return mux
}

// promText renders every monkit series in the prometheus text
// exposition format, one gauge per series.
func promText(w http.ResponseWriter, r *http.Request) {
	monkit.Default.Stats(func(series monkit.SeriesKey, field string, value float64) {
		name := promName(series.Measurement)

		var labels strings.Builder
		for tag, tagValue := range series.Tags.All() {
			labels.WriteString(promName(tag))
			labels.WriteString(`="`)
			labels.WriteString(promName(tagValue))
			labels.WriteString(`",`)
		}
		labels.WriteString(`field="`)
		labels.WriteString(promName(field))
		labels.WriteString(`"`)

		_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n%s{%s} %g\n",
			name, name, labels.String(), value)
	})
}

// promName replaces everything prometheus disallows in a metric or
// label name with underscores. Names must match
// [a-zA-Z_][a-zA-Z0-9_]*, colons being reserved for recording rules.
func promName(value string) string {
	out := []byte(value)
	for i, c := range out {
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case '0' <= c && c <= '9' && i > 0:
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
