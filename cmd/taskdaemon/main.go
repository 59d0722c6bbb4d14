// Command taskdaemon is the long-lived worker process (spec §4.3): it
// dials a host or dispatcher, performs sticky setup, and evaluates task
// frames one at a time until shutdown or (with --no-autoexit) forever
// across reconnects. Its flag surface is rendered exactly by package
// launch's Command, so a change here must stay in lockstep with
// launch/command.go.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/taskmesh/daemon"
)

type args struct {
	Dial       string `long:"dial" required:"true" description:"URL of the host or dispatcher slot to dial"`
	TLS        string `long:"tls" optional:"true" description:"base64-encoded PEM of the trusted server certificate"`
	Token      string `long:"token" optional:"true" description:"connect token minted for this daemon slot"`
	// RandSeed of 0 means "not given": an explicit --rs 0 is treated the
	// same as an absent flag. launch.Command emits --rs whenever its
	// Descriptor has HasRandSeed set, including for a seed of 0.
	RandSeed   int64 `long:"rs" optional:"true" description:"seed for reproducible worker-side randomness"`
	NoAutoexit bool  `long:"no-autoexit" description:"keep retrying the dial forever instead of exiting on transport loss"`
}

func main() {
	var opts args
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		os.Exit(1)
	}

	var certPEM []byte
	if opts.TLS != "" {
		decoded, err := base64.StdEncoding.DecodeString(opts.TLS)
		if err != nil {
			fmt.Fprintf(os.Stderr, "taskdaemon: decoding --tls: %v\n", err)
			os.Exit(1)
		}
		certPEM = decoded
	}

	var d = daemon.New(daemon.Options{
		DialURL:        opts.Dial,
		TrustedCertPEM: certPEM,
		Autoexit:       !opts.NoAutoexit,
		RandSeed:       opts.RandSeed,
		HasRandSeed:    opts.RandSeed != 0,
		ConnectToken:   opts.Token,
	})

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		var sig = <-sigCh
		log.WithField("signal", sig).Info("taskdaemon: caught signal, shutting down")
		cancel()
	}()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithField("err", err).Error("taskdaemon: exited with error")
		os.Exit(1)
	}
	log.Info("taskdaemon: goodbye")
}
