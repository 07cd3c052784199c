// Package logging wires up the logr.Logger used by every component
// constructor in pulldeploy, backed by the same zap setup this codebase's
// other binaries use.
package logging

import (
	"flag"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Options mirrors zap.Options' development-vs-production knobs, bound to
// a cobra command's persistent flags instead of the global flag set so
// "run" and "check" can each carry their own --zap-* flags without
// clobbering package-level state across tests.
type Options struct {
	zapOpts zap.Options
	fs      *flag.FlagSet
}

// NewOptions constructs zap options defaulting to development mode (human
// readable, colorized when attached to a terminal) and binds them into a
// standard library FlagSet suitable for AddGoFlagSet.
func NewOptions() *Options {
	o := &Options{zapOpts: zap.Options{Development: true}}
	o.fs = flag.NewFlagSet("zap", flag.ContinueOnError)
	o.zapOpts.BindFlags(o.fs)
	return o
}

// BindPersistent attaches the zap flags to a cobra command's persistent
// flag set via pflag's AddGoFlagSet bridge.
func (o *Options) BindPersistent(flags *pflag.FlagSet) {
	flags.AddGoFlagSet(o.fs)
}

// Setup builds the process-wide logr.Logger and registers it with
// controller-runtime's log package so any component written against
// logr.Logger behaves identically whether it came from this CLI or from
// a future caller that wires its own logger.
func Setup(o *Options) logr.Logger {
	logger := zap.New(zap.UseFlagOptions(&o.zapOpts))
	ctrllog.SetLogger(logger)
	return logger
}
