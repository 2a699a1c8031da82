package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/cwbudde/algo-ampsim/amp"
	"github.com/cwbudde/algo-ampsim/catalog"
	"github.com/cwbudde/algo-ampsim/config"
)

func listCatalogs(s *config.Settings, log logrus.FieldLogger) error {
	models, err := catalog.ScanModels(s.ModelDir)
	if err != nil {
		log.WithError(err).Warn("model directory unavailable")
	}
	irs, err := catalog.ScanIRs(s.IRDir)
	if err != nil {
		log.WithError(err).Warn("IR directory unavailable")
	}
	return writeListing(os.Stdout, models, irs)
}

func writeListing(w io.Writer, models, irs *catalog.Catalog) error {
	if _, err := fmt.Fprintln(w, "Models:"); err != nil {
		return err
	}
	for i, name := range models.Names() {
		fmt.Fprintf(w, "  %3d  %s\n", i, name)
	}
	fmt.Fprintln(w, "IRs:")
	for i, name := range irs.Names() {
		fmt.Fprintf(w, "  %3d  %s\n", i, name)
	}
	fmt.Fprintln(w, "Parameters:")
	store := amp.NewParameterStore(models.Len(), irs.Len())
	for _, p := range store.Specs() {
		fmt.Fprintf(w, "  %-20s [%g, %g] default %g\n", p.Name, p.Min, p.Max, p.Default)
	}
	return nil
}
