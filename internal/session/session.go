// Package session builds a prepared engine for the offline tools: catalogs
// from settings, parameter overrides, and synchronous model and IR loading.
package session

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cwbudde/algo-ampsim/amp"
	"github.com/cwbudde/algo-ampsim/catalog"
	"github.com/cwbudde/algo-ampsim/config"
)

// Options selects what to load. File paths win over catalog names.
type Options struct {
	Settings   *config.Settings
	ModelFile  string
	IRFile     string
	SampleRate float64
	BlockSize  int
	Logger     logrus.FieldLogger
	// LoadTimeout bounds the wait for each model or IR load.
	LoadTimeout time.Duration
}

// Session owns a prepared engine.
type Session struct {
	Engine *amp.Engine
	Models *catalog.Catalog
	IRs    *catalog.Catalog

	blockSize int
	events    chan amp.LoadEvent
	timeout   time.Duration
}

// Open scans the catalogs, prepares an engine and waits for the selected
// model and IR to be installed.
func Open(opts Options) (*Session, error) {
	s := opts.Settings
	if s == nil {
		s = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.BlockSize < 1 {
		opts.BlockSize = 256
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 30 * time.Second
	}

	models, err := catalog.ScanModels(s.ModelDir)
	if err != nil {
		log.WithError(err).WithField("dir", s.ModelDir).Warn("model directory unavailable")
	}
	irs, err := catalog.ScanIRs(s.IRDir)
	if err != nil {
		log.WithError(err).WithField("dir", s.IRDir).Warn("IR directory unavailable")
	}

	sess := &Session{
		Models:    models,
		IRs:       irs,
		blockSize: opts.BlockSize,
		events:    make(chan amp.LoadEvent, 16),
		timeout:   opts.LoadTimeout,
	}

	cfg := s.Engine
	cfg.Logger = log
	cfg.OnLoad = func(ev amp.LoadEvent) {
		select {
		case sess.events <- ev:
		default:
		}
	}
	e, err := amp.New(cfg, models, irs)
	if err != nil {
		return nil, err
	}
	sess.Engine = e

	if err := s.ApplyParameters(e.Parameters()); err != nil {
		sess.Close()
		return nil, err
	}
	if err := e.Prepare(opts.SampleRate, opts.BlockSize); err != nil {
		sess.Close()
		return nil, err
	}

	if err := sess.selectModel(opts.ModelFile, s.Model); err != nil {
		sess.Close()
		return nil, err
	}
	if err := sess.selectIR(opts.IRFile, s.IR); err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}

func (s *Session) selectModel(file, name string) error {
	switch {
	case file != "":
		s.Engine.LoadModelFile(file)
	case name != "":
		idx := s.Models.IndexOf(name)
		if idx < 0 {
			return fmt.Errorf("model %q not in catalog", name)
		}
		s.Engine.SetCurrentModelIndex(idx)
	default:
		return nil
	}
	return s.wait(amp.KindModel)
}

func (s *Session) selectIR(file, name string) error {
	switch {
	case file != "":
		s.Engine.LoadIRFile(file)
	case name != "":
		idx := s.IRs.IndexOf(name)
		if idx < 0 {
			return fmt.Errorf("IR %q not in catalog", name)
		}
		s.Engine.SetCurrentIRIndex(idx)
	default:
		return nil
	}
	return s.wait(amp.KindIR)
}

func (s *Session) wait(kind amp.ResourceKind) error {
	deadline := time.After(s.timeout)
	for {
		select {
		case ev := <-s.events:
			if ev.Kind != kind || ev.Superseded {
				continue
			}
			if ev.Err != nil {
				return fmt.Errorf("load %s %s: %w", kind, ev.Path, ev.Err)
			}
			return nil
		case <-deadline:
			return fmt.Errorf("timed out loading %s", kind)
		}
	}
}

// Render processes chans in place, block by block.
func (s *Session) Render(chans [][]float32) {
	if len(chans) == 0 {
		return
	}
	n := len(chans[0])
	views := make([][]float32, len(chans))
	for off := 0; off < n; off += s.blockSize {
		end := min(off+s.blockSize, n)
		for ch := range chans {
			views[ch] = chans[ch][off:end]
		}
		s.Engine.ProcessBlock(views)
	}
}

// Close stops the loader goroutines.
func (s *Session) Close() {
	if s.Engine != nil {
		s.Engine.Release()
	}
}
