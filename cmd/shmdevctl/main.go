// Command shmdevctl talks to a device served by shmdev.
//
//	shmdevctl [flags] read [n]
//	shmdevctl [flags] write <text>...
//	shmdevctl [flags] print
//	shmdevctl [flags] cat
//	shmdevctl [flags] watch
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/srediag/shmdev/api"
	"github.com/srediag/shmdev/pkg/transport"
	"github.com/srediag/shmdev/plugin"
)

func main() {
	socket := flag.String("socket", envOr("SHMDEV_SOCKET", filepath.Join(os.TempDir(), "shmdev.sock")), "Control socket path")
	device := flag.String("device", envOr("SHMDEV_NAME", "dirbtree"), "Device name")
	timeout := flag.Duration("timeout", 5*time.Second, "Per request timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] read [n] | write <text>... | print | cat | watch\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, *timeout)
	c, err := transport.Dial(dialCtx, "unix", *socket, *device)
	cancel()
	if err != nil {
		fatal(err)
	}
	defer c.Close()

	if err := run(ctx, c, *timeout, flag.Args()); err != nil {
		fatal(err)
	}
}

func run(ctx context.Context, c *transport.Client, timeout time.Duration, args []string) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch args[0] {
	case "read":
		n := 64
		if len(args) > 1 {
			v, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("read length: %w", err)
			}
			n = v
		}
		data, err := c.Read(reqCtx, n)
		if errors.Is(err, api.ErrEndOfStream) {
			fmt.Fprintln(os.Stderr, "no new data")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	case "write":
		n, err := c.Write(reqCtx, []byte(strings.Join(args[1:], " ")))
		if err != nil {
			return err
		}
		fmt.Printf("%d bytes written\n", n)
	case "print":
		return c.Command(reqCtx, plugin.CmdPrint, nil)
	case "cat":
		text, err := c.Snapshot(reqCtx)
		if err != nil {
			return err
		}
		fmt.Println(text)
	case "watch":
		return watch(ctx, c, timeout)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}

// watch prints the content after every write until interrupted.
func watch(ctx context.Context, c *transport.Client, timeout time.Duration) error {
	if err := c.Notify(ctx, true); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-c.Signals():
			if !ok {
				return errors.New("connection closed")
			}
			reqCtx, cancel := context.WithTimeout(ctx, timeout)
			data, err := c.Read(reqCtx, 64)
			cancel()
			switch {
			case errors.Is(err, api.ErrEndOfStream):
				continue
			case err != nil:
				return err
			}
			fmt.Printf("[%d] %s\n", sig.Seq, data)
		}
	}
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "shmdevctl: %v\n", err)
	os.Exit(1)
}
