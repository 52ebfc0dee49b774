// Package testlog routes klog and controller-runtime output during tests.
// Output is discarded unless DEBUG is set, in which case a dev-mode zap
// logger writes to stderr.
package testlog

import (
	"io"
	"os"

	klog "k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Setup wires both logging stacks to one logr sink. Call from TestMain.
func Setup() {
	logger := zap.New(zap.WriteTo(io.Discard))
	if os.Getenv("DEBUG") != "" {
		logger = zap.New(zap.UseDevMode(true))
	}
	ctrl.SetLogger(logger)
	// klog is what the packages under test log through.
	klog.SetLogger(ctrl.Log)
}
