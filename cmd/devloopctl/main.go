package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carlosprados/devloop/internal/config"
	"github.com/carlosprados/devloop/internal/devtools"
	"github.com/carlosprados/devloop/internal/events"
	"github.com/carlosprados/devloop/internal/remote"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:7070", "devloop API base URL")
	cfgPath := flag.String("config", "", "Path to devloop.toml, used by watch")
	remoteURL := flag.String("remote", "", "Remote restart URL for watch (overrides config)")
	secret := flag.String("secret", "", "Shared secret for watch (overrides config)")
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	base := strings.TrimRight(*addr, "/")
	switch cmd := flag.Arg(0); cmd {
	case "status":
		doGET(base + "/healthz")
	case "restart":
		url := base + "/v1/restart"
		if flag.NArg() > 1 && flag.Arg(1) == "--wait" {
			url += "?wait=true"
		}
		doPOST(url)
	case "restarts":
		if flag.NArg() > 1 {
			doGET(base + "/v1/restarts/" + strings.Trim(flag.Arg(1), "/"))
			return
		}
		doGET(base + "/v1/restarts")
	case "overrides":
		doGET(base + "/v1/overrides")
	case "components":
		doGET(base + "/v1/components")
	case "watch":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "missing directory to watch")
			os.Exit(2)
		}
		if err := watch(*cfgPath, *remoteURL, *secret, flag.Args()[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "devloopctl: %v\n", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println("devloopctl [--addr URL] <command> [args]")
	fmt.Println("commands:")
	fmt.Println("  status                   Show host status")
	fmt.Println("  restart [--wait]         Restart the application")
	fmt.Println("  restarts [id]            List restart cycles, or show one")
	fmt.Println("  overrides                Show the override table")
	fmt.Println("  components               List components of the running application")
	fmt.Println("  watch <dir>...           Upload changes under dir to a remote host")
}

// watch uploads every restart-worthy change under dirs to the remote host
// until interrupted.
func watch(cfgPath, remoteURL, secret string, dirs []string) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if remoteURL == "" {
		remoteURL = cfg.Remote.URL
	}
	if secret == "" {
		secret = cfg.Remote.Secret
	}
	if secret == "" && cfg.Remote.SecretFile != "" {
		if secret, err = remote.LoadSecret(cfg.Remote.SecretFile); err != nil {
			return err
		}
	}
	uploader, err := remote.NewUploader(remoteURL, secret, remote.WithRetryWait(cfg.Remote.RetryWait.Duration))
	if err != nil {
		return err
	}
	strategy, err := devtools.NewPatternStrategy(append(append([]string(nil), devtools.DefaultExcludes...), cfg.Restart.AdditionalExclude...)...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewMemory()
	defer bus.Close()
	if _, err := bus.Subscribe(events.SubjectClassPathChanged, uploader.EventHandler(ctx)); err != nil {
		return err
	}

	w, err := devtools.NewWatcherFactory(devtools.Settings{
		PollInterval: cfg.Restart.PollInterval.Duration,
		QuietPeriod:  cfg.Restart.QuietPeriod.Duration,
		TriggerFile:  cfg.Restart.TriggerFile,
		Notify:       cfg.Restart.Notify,
		ContentHash:  cfg.Restart.ContentHash,
	})()
	if err != nil {
		return err
	}
	if err := w.AddSourceDirectories(dirs); err != nil {
		return err
	}
	if err := w.AddListener(devtools.NewChangeListener(bus, strategy, nil)); err != nil {
		return err
	}
	w.Start()
	log.Info().Strs("dirs", dirs).Str("remote", uploader.URL()).Msg("watching for changes")

	<-ctx.Done()
	w.Stop()
	return nil
}

var client = &http.Client{Timeout: 2 * time.Minute}

func doGET(url string) {
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printBody(resp)
}

func doPOST(url string) {
	req, _ := http.NewRequest(http.MethodPost, url, nil)
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printBody(resp)
}

func printBody(resp *http.Response) {
	if resp.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "%s: ", resp.Status)
		io.Copy(os.Stderr, resp.Body)
		fmt.Fprintln(os.Stderr)
		os.Exit(1)
	}
	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		fmt.Println("OK")
		return
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	os.Stdout.Write(b)
	fmt.Println()
}
