// Command iscsitargetd serves a single iSCSI LUN backed by a local file
// or a remote NBD server, the daemon replacement for the teacher's
// cmd/tcmufile demo binary now that the backend is a plain TCP listener
// instead of a TCMU kernel device.
package main

import (
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	iesp "github.com/folkertvanheusden/go-iesp"
)

func main() {
	var (
		listenAddr = flag.StringP("listen", "l", ":3260", "address to listen on for iSCSI connections")
		metricAddr = flag.StringP("metrics", "m", ":9260", "address to serve Prometheus metrics on")
		targetName = flag.StringP("target", "t", "iqn.2026-07.org.go-iesp:disk0", "iSCSI target name (IQN)")
		filePath   = flag.StringP("file", "f", "", "path to the backing file (mutually exclusive with -nbd)")
		nbdAddr    = flag.StringP("nbd", "n", "", "host:port of an NBD server to use as the backend (mutually exclusive with -file)")
		blockSize  = flag.Uint64P("block-size", "b", 4096, "backend block size in bytes")
		verbose    = flag.BoolP("verbose", "v", false, "enable debug logging")
	)
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if (*filePath == "") == (*nbdAddr == "") {
		logrus.Fatal("exactly one of -file or -nbd must be given")
	}

	var backend iesp.Backend
	if *filePath != "" {
		backend = iesp.NewFileBackend(*filePath, *blockSize, iesp.DefaultRangeLocks)
	} else {
		backend = iesp.NewNBDBackend(*nbdAddr, iesp.DefaultRetryPolicy(), iesp.DefaultRangeLocks)
	}
	if !backend.Begin() {
		logrus.Fatalf("cannot open backend")
	}

	reg := prometheus.NewRegistry()
	metrics := iesp.NewMetrics(reg)
	go statsLoop(backend, metrics)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		logrus.Infof("serving metrics on %s", *metricAddr)
		if err := http.ListenAndServe(*metricAddr, mux); err != nil {
			logrus.Errorf("metrics server: %v", err)
		}
	}()

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		logrus.Fatalf("listen %s: %v", *listenAddr, err)
	}
	logrus.Infof("serving target %s on %s, %d blocks of %d bytes", *targetName, *listenAddr, backend.SizeInBlocks(), backend.BlockSize())

	srv := &iesp.Server{
		Listener: ln,
		Target:   *targetName,
		Portal:   *listenAddr,
		Backend:  backend,
		Metrics:  metrics,
	}
	if err := srv.Serve(); err != nil {
		logrus.Fatalf("serve: %v", err)
	}
	os.Exit(0)
}

func statsLoop(backend iesp.Backend, metrics *iesp.Metrics) {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	for range t.C {
		metrics.ObserveBackend(backend.Stats())
	}
}
