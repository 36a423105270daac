package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/rvemu/internal/riscv"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: rvemu <command> [args...]\n")
	fmt.Fprintf(os.Stderr, "commands:\n")
	fmt.Fprintf(os.Stderr, "  run <elf>:  boot and run an ELF image to completion\n")
	fmt.Fprintf(os.Stderr, "  load <elf>: report an ELF image's entry point and segment layout\n")
	os.Exit(1)
}

func run(args []string) error {
	if len(args) < 1 {
		usage()
	}

	switch args[0] {
	case "run":
		return runCmd(args[1:])
	case "load":
		return loadCmd(args[1:])
	default:
		usage()
		return nil
	}
}

func loadELF(path string) (*riscv.LoadedELF, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	img, err := riscv.LoadELFFile(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return img, nil
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML machine configuration file")
	breakpoint := fs.Uint64("breakpoint", 0, "program-counter value that halts the machine when reached (0 disables)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: rvemu run [-config file.yaml] [-breakpoint addr] <elf>\n")
		os.Exit(1)
	}

	cfg := riscv.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = riscv.LoadConfig(*configPath)
		if err != nil {
			return err
		}
	}

	img, err := loadELF(fs.Arg(0))
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	m, err := riscv.NewMachineFromConfig(cfg, os.Stdout, os.Stdin)
	if err != nil {
		return fmt.Errorf("construct machine: %w", err)
	}
	if err := m.LoadELF(img); err != nil {
		return fmt.Errorf("load elf: %w", err)
	}

	logger.Info("loaded image", "path", fs.Arg(0), "entry", fmt.Sprintf("0x%x", img.Entry), "xlen", img.XLen, "segments", len(img.Segments))

	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, oldState)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	runErr := runToCompletion(ctx, m, *breakpoint, logger)

	if m.HTIF.Exited {
		os.Exit(int(m.HTIF.ExitCode))
	}
	return runErr
}

// runToCompletion drives the machine one instruction at a time so the
// breakpoint check runs between every cycle; Machine.Run's larger
// yield granularity is meant for the no-breakpoint case.
func runToCompletion(ctx context.Context, m *riscv.Machine, breakpoint uint64, logger *slog.Logger) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if breakpoint != 0 && m.GetPC() == breakpoint {
			logger.Info("breakpoint hit", "pc", fmt.Sprintf("0x%x", breakpoint))
			return nil
		}
		if err := m.Step(); err != nil {
			if errors.Is(err, riscv.ErrHalt) {
				return nil
			}
			return fmt.Errorf("step error at pc=0x%x: %w", m.GetPC(), err)
		}
	}
}

func loadCmd(args []string) error {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: rvemu load <elf>\n")
		os.Exit(1)
	}

	img, err := loadELF(fs.Arg(0))
	if err != nil {
		return err
	}

	fmt.Printf("entry:  0x%x\n", img.Entry)
	fmt.Printf("xlen:   %d\n", img.XLen)
	if img.ToHost != 0 {
		fmt.Printf("tohost: 0x%x\n", img.ToHost)
	}

	var total int64
	for _, seg := range img.Segments {
		total += int64(len(seg.Data))
	}
	bar := progressbar.DefaultBytes(total, "segments")
	for _, seg := range img.Segments {
		fmt.Printf("  paddr=0x%x filesz=%d memsz=%d\n", seg.Paddr, len(seg.Data), seg.Memsz)
		bar.Add(len(seg.Data))
	}
	bar.Close()

	return nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "rvemu: %v\n", err)
		os.Exit(1)
	}
}
