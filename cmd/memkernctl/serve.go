package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr/funcr"
	"github.com/povilasv/prommod"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"memkern/diag"
	"memkern/metrics"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve Prometheus metrics for a standalone arena over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := newSystem(frameCount)
			if err != nil {
				return err
			}
			defer sys.Close()

			log := funcr.New(func(prefix, args string) {
				cmd.Println(prefix, args)
			}, funcr.Options{})
			defer diag.Recover(log, "serve")

			reg := prometheus.NewRegistry()
			reg.MustRegister(metrics.NewPPACollector(sys.ppa))
			reg.MustRegister(metrics.NewSlabCollector(sys.caches))
			reg.MustRegister(prommod.NewCollector("memkernctl"))

			r := chi.NewRouter()
			r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			log.Info("serving metrics", "addr", addr)
			return http.ListenAndServe(addr, r)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9411", "listen address")
	return cmd
}
