package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"

	"pihost/hostapi"
)

// stderrNotifier is the minimal hostapi.UINotifier this CLI embedder
// provides: there is no agent turn loop to enqueue a followUp into, so
// both delivery modes just print the message, tagged with how it would
// have been delivered in a real embedder.
type stderrNotifier struct{}

func (stderrNotifier) Notify(_ context.Context, extension string, msg hostapi.Message, deliverAs string) error {
	fmt.Fprintf(os.Stderr, "pihost: [%s] message (%s): %s\n", extension, deliverAs, msg.Text)
	return nil
}

// cliFlagSink implements hostapi.CLIFlagSink on top of its own
// flag.FlagSet rather than the package-level flag.CommandLine: main's
// own subcommand dispatch already consumes os.Args[1], so extension
// flags are parsed separately, from the remaining arguments, once
// every extension has had a chance to call pi.registerFlag during
// Load. Parse must be called after DiscoverAndLoad and before
// FlagValue is read; before that, AddFlag only reserves the name.
type cliFlagSink struct {
	mu     sync.Mutex
	fs     *flag.FlagSet
	values map[string]*string
}

func newCLIFlagSink() *cliFlagSink {
	return &cliFlagSink{
		fs:     flag.NewFlagSet("pihost-extensions", flag.ContinueOnError),
		values: make(map[string]*string),
	}
}

func (s *cliFlagSink) AddFlag(name, description, flagType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.values[name]; exists {
		return fmt.Errorf("flag %q already registered", name)
	}
	s.values[name] = s.fs.String(name, "", fmt.Sprintf("[%s] %s", flagType, description))
	return nil
}

func (s *cliFlagSink) FlagValue(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	if !ok || *v == "" {
		return "", false
	}
	return *v, true
}

// Parse runs the underlying FlagSet against args and discards its
// error rather than failing the whole run: extension flags are
// additive to main's own subcommand arguments, not a replacement for
// them. Parsing stops at the first flag the set does not know, so
// extension flags after it keep their empty value.
func (s *cliFlagSink) Parse(args []string) {
	s.mu.Lock()
	fs := s.fs
	s.mu.Unlock()
	_ = fs.Parse(args)
}
