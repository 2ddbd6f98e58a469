// Package main runs the USB-UART bridge on the simulated HAL.
//
// Standard input plays the USB host writing to the bulk OUT endpoint and
// standard output receives everything the bridge sends to the bulk IN
// endpoint. Debug sideband text is logged. The UART end is either a real
// serial device, a TX-to-RX loopback, or a sink that logs transmitted bytes.
//
// Usage:
//
//	usbuartd [options]
//
// Options:
//
//	-v               Enable verbose (debug) logging
//	-json            Use JSON log format
//	-config path     YAML configuration file
//	-speed name      Bus speed: full, high or super
//	-port name       Serial device used as the UART
//	-loopback        Echo UART TX back into RX
//	-list            List serial devices and exit
//	-profile dir     Write runtime profiles (requires -tags profile)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/usbuart/device/hal/serialport"
	"github.com/ardnew/usbuart/device/hal/sim"
	"github.com/ardnew/usbuart/device/usbuart"
	"github.com/ardnew/usbuart/pkg"
	"github.com/ardnew/usbuart/pkg/prof"
	"github.com/ardnew/usbuart/pkg/usbid"
)

// component identifies this executable for structured logging.
const component pkg.Component = "usbuartd"

// pollInterval is how often the host side drains IN endpoints.
const pollInterval = 5 * time.Millisecond

func main() {
	verbose := flag.Bool("v", false, "enable verbose (debug) logging")
	jsonLog := flag.Bool("json", false, "use JSON log format")
	configPath := flag.String("config", "", "YAML configuration file")
	speedName := flag.String("speed", "", "bus speed: full, high or super")
	portName := flag.String("port", "", "serial device used as the UART")
	loopback := flag.Bool("loopback", false, "echo UART TX back into RX")
	list := flag.Bool("list", false, "list serial devices and exit")
	profileDir := flag.String("profile", "", "write runtime profiles to this directory (profile builds)")
	flag.Parse()

	if *jsonLog {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}

	if *list {
		db := usbid.New()
		if !db.Load() {
			pkg.LogDebug(component, "usb.ids not found, listing raw IDs")
		}
		ports, err := serialport.Ports(db)
		if err != nil {
			pkg.LogError(component, "failed to list serial ports", "error", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	opts, err := loadConfig(*configPath)
	if err != nil {
		pkg.LogError(component, "invalid configuration", "error", err)
		os.Exit(1)
	}

	// Flags override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "speed":
			speed, perr := parseSpeed(*speedName)
			if perr != nil {
				err = perr
				return
			}
			opts.speed = speed
		case "port":
			opts.serialPort = *portName
		case "loopback":
			opts.loopback = *loopback
		}
	})
	if err != nil {
		pkg.LogError(component, "invalid flag", "error", err)
		os.Exit(1)
	}

	level, _ := pkg.ParseLogLevel(opts.logLevel)
	if *verbose {
		level = slog.LevelDebug
	}
	pkg.SetLogLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var session *prof.Session
	if *profileDir != "" {
		if !prof.Enabled {
			pkg.LogWarn(component, "profiling not compiled in, rebuild with -tags profile")
		}
		session, err = prof.Start(*profileDir)
		if err != nil {
			pkg.LogError(component, "failed to start profiling", "error", err)
			os.Exit(1)
		}
	}

	err = run(ctx, opts, os.Stdin, os.Stdout)
	if session != nil {
		if perr := session.Stop(); perr != nil {
			pkg.LogWarn(component, "failed to write profiles", "error", perr)
		} else if prof.Enabled {
			pkg.LogInfo(component, "profiles written", "dir", session.Dir())
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		pkg.LogError(component, "bridge stopped", "error", err)
		os.Exit(1)
	}
	pkg.LogInfo(component, "shutting down")
}

// run enumerates a simulated bus and shuttles data until ctx is done or the
// device halts.
func run(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	bus := sim.New()
	dev := usbuart.New(opts.device, bus.USB, bus.DMA, bus.UART)

	var port *serialport.Port
	if opts.serialPort != "" {
		p, err := serialport.Open(opts.serialPort, opts.device.LineCoding)
		if err != nil {
			return err
		}
		defer p.Close()
		port = p
		bus.UART.SetBackend(port)
	}
	bus.UART.SetLoopback(opts.loopback)

	if err := dev.Init(); err != nil {
		return err
	}

	pkg.LogInfo(component, "connecting",
		"bus", bus.ID(),
		"speed", opts.speed.String(),
		"port", opts.serialPort,
		"loopback", opts.loopback)

	bus.USB.Connect(opts.speed)
	bus.USB.BusReset()
	bus.USB.SetConfiguration(1)
	if dev.Halted() {
		return dev.Err()
	}
	defer bus.USB.Disconnect()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dev.Run(ctx)
	})

	g.Go(func() error {
		return pollHost(ctx, bus, opts, port == nil, out)
	})

	if port != nil {
		g.Go(func() error {
			return port.Pump(ctx, bus.UART.Receive)
		})
	}

	// Reads from in cannot be interrupted, so the reader stays outside the
	// group.
	go hostWrite(bus, opts.device.Bridge.OutEndpoint, in)

	return g.Wait()
}

// hostWrite copies r to the bulk OUT endpoint.
func hostWrite(bus *sim.Bus, ep uint8, r io.Reader) {
	buf := make([]byte, 512)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := bus.DMA.HostWrite(ep, buf[:n]); werr != nil {
				pkg.LogWarn(component, "host write failed", "bytes", n, "error", werr)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				pkg.LogWarn(component, "input closed", "error", err)
			}
			return
		}
	}
}

// pollHost drains the bulk IN and debug endpoints.
func pollHost(ctx context.Context, bus *sim.Bus, opts options, drainTx bool, out io.Writer) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if data := bus.DMA.HostReadAll(opts.device.Bridge.InEndpoint); len(data) > 0 {
			if _, err := out.Write(data); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
		}
		if !opts.device.NoDebug {
			for {
				text, ok := bus.DMA.HostRead(opts.device.Debug.InEndpoint)
				if !ok {
					break
				}
				pkg.LogInfo(component, "debug", "text", string(text))
			}
		}
		if drainTx {
			if tx := bus.UART.TxBytes(); len(tx) > 0 {
				pkg.LogDebug(component, "uart tx", "bytes", len(tx), "data", string(tx))
			}
		}
	}
}
