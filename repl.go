package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mstarongithub/wayswap/compositor"
	"github.com/mstarongithub/wayswap/config"
	"github.com/mstarongithub/wayswap/repl"
	"github.com/mstarongithub/wayswap/server"
	"github.com/mstarongithub/wayswap/util"
	"github.com/mstarongithub/wayswap/util/wrappers"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

const consoleHelp = `Commands:
	run <command> [args...]                    Run a command next to the server
	stats [json]                               Show server and swapper statistics
	pause / resume                             Stop or restart compositing
	surface add <name> <color> [interval]      Add a surface on top
	surface rm <name>                          Remove a surface
	abort <surface|all>                        Make a surface's client fail for good
	framedrop <surface|all> <policy> [timeout] Set frame dropping to block, drop or timeout
	buffers <surface> <n>                      Change the number of buffers of a surface
	snapshot <surface>                         Show what the compositor currently shows
	quit                                       Stop the server`

func replRunner(srv *server.DisplayServer) {
	// Give repl some wrappers around stdin and stdout so that it closes those instead of stdin & stdout themselves
	commandRepl := repl.NewRepl(wrappers.NewReaderWrapper(os.Stdin), wrappers.NewWriterWrapper(os.Stdout))
	commandRepl.Prompt = "wayswap> "
	logrus.Debugln("Starting repl")
	err := commandRepl.Run(func(input string, r *repl.Repl) (string, error) {
		return handleCommand(srv, input, r)
	})
	if err != nil {
		logrus.WithError(err).Errorln("Repl failed")
	}
}

// handleCommand runs one console command against the server and returns what to print
func handleCommand(srv *server.DisplayServer, input string, r *repl.Repl) (string, error) {
	var cmd, args string
	util.SplitArgs(input, &cmd, &args)

	switch cmd {
	case "run":
		return runCommand(args, r), nil
	case "quit":
		srv.Stop()
		return "Quitting", repl.ErrStop
	case "help":
		return consoleHelp, nil
	case "stats":
		return formatStats(srv.Stats(), args == "json")
	case "pause":
		return result("Paused", srv.Pause())
	case "resume":
		return result("Resumed", srv.Resume())
	case "surface":
		return surfaceCommand(srv, args)
	case "abort":
		if args == "" {
			return "Usage: abort <surface|all>", nil
		}
		return result("Aborted "+args, srv.AbortSurface(surfaceName(args)))
	case "framedrop":
		var name, policyName, timeout string
		if util.SplitArgs(args, &name, &policyName, &timeout) < 2 {
			return "Usage: framedrop <surface|all> <block|drop|timeout> [timeout]", nil
		}
		policy, err := parsePolicy(policyName, timeout)
		if err != nil {
			return "Error: " + err.Error(), nil
		}
		return result(fmt.Sprintf("Frame dropping of %s set to %v", name, policy), srv.SetFrameDropping(surfaceName(name), policy))
	case "buffers":
		var name, count string
		if util.SplitArgs(args, &name, &count) < 2 {
			return "Usage: buffers <surface> <n>", nil
		}
		n, err := strconv.Atoi(count)
		if err != nil {
			return "Error: buffer count must be a number", nil
		}
		return result(fmt.Sprintf("Surface %s now has %d buffers", name, n), srv.SetSurfaceBuffers(name, n))
	case "snapshot":
		img, err := srv.Snapshot(args)
		if err != nil {
			return "Error: " + err.Error(), nil
		}
		b := img.Bounds()
		c := img.RGBAAt(b.Min.X, b.Min.Y)
		return fmt.Sprintf("Surface %s: %dx%d, top left pixel #%02x%02x%02x%02x",
			args, b.Dx(), b.Dy(), c.R, c.G, c.B, c.A), nil
	default:
		return "Unknown command, try help", nil
	}
}

func surfaceCommand(srv *server.DisplayServer, args string) (string, error) {
	var action, name, color, interval string
	util.SplitArgs(args, &action, &name, &color, &interval)
	switch action {
	case "add":
		if name == "" || color == "" {
			return "Usage: surface add <name> <color> [interval]", nil
		}
		sc := config.SurfaceConfig{Name: name, Color: color, FrameInterval: interval}
		return result("Added surface "+name, srv.CreateSurface(sc))
	case "rm":
		if name == "" {
			return "Usage: surface rm <name>", nil
		}
		return result("Removed surface "+name, srv.DestroySurface(name))
	case "", "ls":
		return strings.Join(srv.Surfaces(), "\n"), nil
	default:
		return "Unknown surface action " + action, nil
	}
}

// "all" targets every surface
func surfaceName(arg string) string {
	if arg == "all" {
		return ""
	}
	return arg
}

func parsePolicy(name, timeout string) (compositor.FrameDroppingPolicy, error) {
	var d time.Duration
	if timeout != "" {
		var err error
		if d, err = time.ParseDuration(timeout); err != nil {
			return nil, err
		}
	}
	return compositor.ParseFrameDroppingPolicy(name, d)
}

// Errors of single commands are shown to the user but don't end the repl
func result(ok string, err error) (string, error) {
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	return ok, nil
}

func formatStats(stats server.ServerStats, asJson bool) (string, error) {
	if asJson {
		data, err := json.MarshalIndent(stats.Response(), "", "  ")
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "State: %v, live buffers: %d\n", stats.State, stats.LiveBuffers)
	outputs := make([]string, 0, len(stats.OutputFrames))
	for output := range stats.OutputFrames {
		outputs = append(outputs, output)
	}
	slices.Sort(outputs)
	for _, output := range outputs {
		fmt.Fprintf(&b, "Output %s: %d frames, %d failed\n", output, stats.OutputFrames[output], stats.FailedFrames[output])
	}
	for _, s := range stats.Surfaces {
		fmt.Fprintf(&b,
			"Surface %s: %d frames, %d buffers (%d free, %d ready, %d client, %d compositor), %d waiting, %d dropped, policy %s",
			s.Name, s.Frames, s.Buffers,
			s.Swapper.Free, s.Swapper.Ready, s.Swapper.ClientOwned, s.Swapper.CompositorOwned,
			s.Swapper.Waiting, s.Swapper.DroppedFrames, s.FrameDropping,
		)
		if s.Swapper.Aborted {
			b.WriteString(", aborted")
		}
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

// Runs a shell command without waiting for it. Output goes to the repl's output
func runCommand(cmdString string, r *repl.Repl) string {
	parts := strings.Fields(cmdString)
	if len(parts) == 0 {
		return "Usage: run <command> [args...]"
	}
	cmd := exec.Command(parts[0], parts[1:]...)
	if r != nil {
		cmd.Stdout = r.Output
		cmd.Stderr = r.Output
	}
	if err := cmd.Start(); err != nil {
		logrus.WithError(err).WithField("command", cmdString).Errorln("Command failed to start")
		return "Error: " + err.Error()
	}
	go func(cmd *exec.Cmd, cmdString string) {
		err := cmd.Wait()
		var exiterr *exec.ExitError
		if errors.As(err, &exiterr) {
			logrus.WithError(err).WithFields(logrus.Fields{
				"exit-code": exiterr.ExitCode(),
				"command":   cmdString,
			}).Warningln("Bad command completion")
		}
	}(cmd, cmdString)
	return "Running " + parts[0]
}
