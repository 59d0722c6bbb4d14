// Command taskctl is an operator-facing demo CLI over package host: it
// configures a daemon pool — either from --profile/--count/etc. flags
// for a single profile, or from a --config YAML file naming several —
// prints each slot's launch command for the operator to run (Manual is
// the default launch kind; a config file's launch.kind opts a profile
// into taskctl invoking its daemons itself), and then polls status
// until interrupted, tearing every configured profile down on exit.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/taskmesh/host"
)

var green = color.New(color.FgGreen).SprintFunc()
var yellow = color.New(color.FgYellow).SprintFunc()
var red = color.New(color.FgRed).SprintFunc()

type args struct {
	Config     string `long:"config" optional:"true" description:"path to a YAML config file naming one or more profiles; overrides the flags below"`
	Profile    string `long:"profile" default:"default" description:"compute profile name"`
	Count      int    `long:"count" default:"1" description:"number of daemon slots to configure"`
	BaseURL    string `long:"base-url" default:"tcp://127.0.0.1:0" description:"listen URL template, port 0 for an OS-assigned port per slot"`
	Dispatcher bool   `long:"dispatcher" description:"use dispatcher-mediated mode instead of direct"`
	Ephemeral  bool   `long:"ephemeral-tls" description:"generate a self-signed certificate for this profile"`
}

func main() {
	var opts args
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		os.Exit(1)
	}

	var h = host.New()
	var profiles []string

	if opts.Config != "" {
		cfg, err := host.LoadFileConfig(opts.Config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "taskctl: %v\n", err)
			os.Exit(1)
		}
		results, err := h.ApplyFileConfig(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "taskctl: %v\n", err)
			os.Exit(1)
		}
		for name, infos := range results {
			profiles = append(profiles, name)
			fmt.Println(green(fmt.Sprintf("configured %d daemon slot(s) for profile %q — run these on each worker:", len(infos), name)))
			for _, info := range infos {
				fmt.Printf("  [%d] %s\n", info.SlotIndex, info.Command)
			}
		}
	} else {
		n, infos, err := h.ConfigureDaemons(opts.Profile, host.ConfigureOptions{
			Count:      opts.Count,
			BaseURL:    opts.BaseURL,
			Dispatcher: opts.Dispatcher,
			Ephemeral:  opts.Ephemeral,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "taskctl: configuring daemons: %v\n", err)
			os.Exit(1)
		}
		profiles = append(profiles, opts.Profile)

		fmt.Println(green(fmt.Sprintf("configured %d daemon slot(s) for profile %q — run these on each worker:", n, opts.Profile)))
		for _, info := range infos {
			fmt.Printf("  [%d] %s\n", info.SlotIndex, info.Command)
		}
	}

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var ticker = time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, name := range profiles {
				printStatus(h, name)
			}
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("taskctl: tearing down")
			for _, name := range profiles {
				if _, _, err := h.ConfigureDaemons(name, host.ConfigureOptions{Count: 0}); err != nil {
					log.WithFields(log.Fields{"profile": name, "err": err}).Warn("taskctl: teardown reported an error")
				}
			}
			fmt.Println(yellow("goodbye"))
			return
		}
	}
}

func printStatus(h *host.Host, profileName string) {
	for _, s := range h.Status(profileName) {
		var state = red("offline")
		if s.Online {
			state = green("online")
		}
		fmt.Printf("  [%d] %s  %s  assigned=%d complete=%d\n", s.Index, s.URL, state, s.AssignedCount, s.CompleteCount)
	}
}
