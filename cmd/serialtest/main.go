// Package main is a loopback tester for the bridge's virtual COM port.
//
// With the UART's TX and RX joined, every payload written to the port must
// come back unchanged. The tester sends a fixed payload, waits, reads the
// echo and classifies the round trip as ok, NO RESPONSE or DATA MISMATCH.
// Every round trip is appended to a CSV log.
//
// Usage:
//
//	serialtest [options]
//
// Options:
//
//	-p name          Serial port (default /dev/ttyACM0)
//	-b baud          Baud rate (default 115200)
//	-hex payload     Hex payload (default "5A 00 00 00 00 00 F6 96 00 00")
//	-settle dur      Wait between write and read (default 100ms)
//	-n count         Round trips to run, 0 for unlimited
//	-csv path        CSV log file (default serial_log.csv)
//	-v               Enable verbose (debug) logging
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	"go.bug.st/serial"

	"github.com/ardnew/usbuart/pkg"
)

// component identifies this executable for structured logging.
const component pkg.Component = "serialtest"

// readTimeout bounds each read of the echo.
const readTimeout = 50 * time.Millisecond

func main() {
	portName := flag.String("p", "/dev/ttyACM0", "serial port")
	baud := flag.Int("b", 115200, "baud rate")
	payloadHex := flag.String("hex", "5A 00 00 00 00 00 F6 96 00 00", "hex payload")
	settle := flag.Duration("settle", 100*time.Millisecond, "wait between write and read")
	count := flag.Int("n", 0, "round trips to run, 0 for unlimited")
	csvPath := flag.String("csv", "serial_log.csv", "CSV log file")
	verbose := flag.Bool("v", false, "enable verbose (debug) logging")
	flag.Parse()

	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}

	payload, err := parsePayload(*payloadHex)
	if err != nil {
		pkg.LogError(component, "invalid payload", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *portName, *baud, payload, *settle, *count, *csvPath); err != nil {
		pkg.LogError(component, "test aborted", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, portName string, baud int, payload []byte, settle time.Duration, count int, csvPath string) error {
	_, statErr := os.Stat(csvPath)
	logFile, err := os.OpenFile(csvPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	port, err := serial.Open(portName, &serial.Mode{BaudRate: baud})
	if err != nil {
		return fmt.Errorf("open %s: %w", portName, err)
	}
	defer port.Close()
	if err := port.SetReadTimeout(readTimeout); err != nil {
		return err
	}

	tester := NewTester(port, payload, settle, logFile)
	if errors.Is(statErr, os.ErrNotExist) {
		if err := tester.WriteHeader(); err != nil {
			return err
		}
	}

	pkg.LogInfo(component, "loopback test started",
		"port", portName,
		"baud", baud,
		"payload", fmt.Sprintf("% X", payload))

	var bar *pb.ProgressBar
	if count > 0 {
		bar = pb.StartNew(count)
		defer bar.Finish()
	}

	for i := 0; count == 0 || i < count; i++ {
		if ctx.Err() != nil {
			break
		}

		rec, err := tester.Step()
		if err != nil {
			return err
		}
		if rec.Failure != FailureNone {
			pkg.LogWarn(component, "round trip failed",
				"seq", rec.Seq,
				"error", string(rec.Failure),
				"rx", fmt.Sprintf("% X", rec.RX))
		}

		if bar != nil {
			bar.Set("suffix", " "+tester.Stats().String())
			bar.Increment()
		} else {
			fmt.Fprintf(os.Stderr, "\r[STATUS] %-90s", tester.Stats())
		}
	}

	stats := tester.Stats()
	if bar == nil {
		fmt.Fprintln(os.Stderr)
	}
	pkg.LogInfo(component, "loopback test finished",
		"sent", stats.Sent,
		"errors", stats.Errors,
		"noResponse", stats.NoResponse,
		"mismatch", stats.Mismatch)
	return nil
}
