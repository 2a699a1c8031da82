package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/cwbudde/algo-ampsim/analysis"
	"github.com/cwbudde/algo-ampsim/internal/wavio"
)

func main() {
	referencePath := flag.String("reference", "", "Reference WAV path (e.g. a re-amped recording)")
	candidatePath := flag.String("candidate", "", "Candidate WAV path (e.g. ampsim-render output)")
	sampleRate := flag.Int("sample-rate", 48000, "Analysis sample rate in Hz")
	normalize := flag.Bool("normalize", false, "Match RMS levels before comparing")
	jsonOut := flag.Bool("json", false, "Print metrics as JSON")
	flag.Parse()

	if *referencePath == "" || *candidatePath == "" {
		die("both -reference and -candidate are required")
	}
	ref, err := load(*referencePath, *sampleRate)
	if err != nil {
		die("failed to read reference: %v", err)
	}
	cand, err := load(*candidatePath, *sampleRate)
	if err != nil {
		die("failed to read candidate: %v", err)
	}
	if *normalize {
		ref = analysis.NormalizeRMS(ref, 0.1)
		cand = analysis.NormalizeRMS(cand, 0.1)
	}

	metrics := analysis.Compare(ref, cand, *sampleRate)
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(metrics); err != nil {
			die("json encode failed: %v", err)
		}
		return
	}
	printReport(os.Stdout, metrics)
}

func load(path string, rate int) ([]float64, error) {
	x, sr, err := wavio.ReadMono(path)
	if err != nil {
		return nil, err
	}
	return wavio.Resample(x, float64(sr), float64(rate))
}

func printReport(w io.Writer, m analysis.Metrics) {
	fmt.Fprintf(w, "Reference frames: %d\n", m.ReferenceFrames)
	fmt.Fprintf(w, "Candidate frames: %d\n", m.CandidateFrames)
	fmt.Fprintf(w, "Aligned frames:   %d\n", m.AlignedFrames)
	fmt.Fprintf(w, "Lag:              %d samples (%.3f ms)\n", m.LagSamples, 1000.0*float64(m.LagSamples)/float64(max(m.SampleRate, 1)))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "ESR:              %.6f\n", m.ESR)
	fmt.Fprintf(w, "Time RMSE:        %.6f\n", m.TimeRMSE)
	fmt.Fprintf(w, "Spectral RMSE:    %.2f dB\n", m.SpectralRMSEDB)
	fmt.Fprintln(w)
	if len(m.Bands) > 0 {
		fmt.Fprintf(w, "%-22s %9s %9s %8s\n", "Band", "Ref dB", "Cand dB", "Diff")
		fmt.Fprintf(w, "──────────────────────────────────────────────────────\n")
		for _, b := range m.Bands {
			fmt.Fprintf(w, "%-22s %9.1f %9.1f %+8.1f\n", b.Name, b.RefDB, b.CandDB, b.DiffDB)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Score:            %.4f  (0 best, 1 worst)\n", m.Score)
	fmt.Fprintf(w, "Similarity:       %.2f%%\n", m.Similarity*100.0)
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
