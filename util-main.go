package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/mstarongithub/wayswap/compositor"
	"github.com/mstarongithub/wayswap/config"
	"github.com/mstarongithub/wayswap/graphics"
	"github.com/sirupsen/logrus"
	"gitlab.com/mstarongitlab/goutils/sliceutils"
)

var (
	utilAction *string = flag.String(
		"action",
		"",
		"The action to perform. Can be one of:"+
			"\n\t- none: Do nothing"+
			"\n\t- config: Print the effective config"+
			"\n\t- policies: List queueing and frame dropping policies"+
			"\n\t- bench: Measure buffer hand-off for every policy",
	)
	outputFormat *string = flag.String(
		"format",
		"toml",
		"Format for -action config. toml or yaml",
	)
	policySelection *string = flag.String(
		"policy",
		"",
		"Only bench frame dropping policies with this name. Empty for all",
	)
	benchDuration *time.Duration = flag.Duration(
		"duration",
		time.Second,
		"How long each bench run takes",
	)
)

func utilMain(conf *config.Config) {
	if *help {
		utilHelpMessage()
		return
	}

	switch *utilAction {
	case "", "none":
	case "config":
		utilPrintConfig(conf)
	case "policies":
		utilListPolicies(conf)
	case "bench":
		utilBench(conf)
	default:
		fmt.Printf("Unknown action %s\n", *utilAction)
	}
}

func utilHelpMessage() {
	fmt.Println("---- Help message for wayswap in tool mode ----")
	fmt.Println("\nIn tool mode, wayswap offers various tools for figuring out configurations and similar")
	fmt.Println("\nGeneral flags:")
	fmt.Println("\t-config: Path to the config file. Default is the xdg config dir, then \"config.toml\"")
	fmt.Println("\t-tool: Start as a tool instead of a server")
	fmt.Println("\t-help: Show this help message (or the one for server mode if -tool is not set)")
	fmt.Println("\nTool flags:")
	fmt.Println("\t-action: The action to perform. Can be one of:")
	fmt.Println("\t\t- config: Print the effective config. Use with -format")
	fmt.Println("\t\t- policies: List queueing and frame dropping policies")
	fmt.Println("\t\t- bench: Measure client and compositor throughput per policy. Use with -policy and -duration")
	fmt.Println("\t-format: toml (default) or yaml")
	fmt.Println("\t-policy: Frame dropping policy to bench. Default is all of them")
	fmt.Println("\t-duration: Time per bench run. Default is 1s")
}

func utilPrintConfig(conf *config.Config) {
	data, err := conf.Marshal(*outputFormat == "yaml")
	if err != nil {
		fatal("marshalling config", err)
	}
	fmt.Print(string(data))
}

func utilListPolicies(conf *config.Config) {
	configured, _ := conf.FrameDroppingPolicy()
	queueing, _ := conf.QueueingPolicy()

	fmt.Println("Queueing policies:")
	for _, q := range []compositor.QueueingPolicy{compositor.DoubleBuffering, compositor.TripleBuffering} {
		marker := ""
		if q == queueing {
			marker = " (configured)"
		}
		fmt.Printf("\t- %v: %d buffers%s\n", q, q.Buffers(), marker)
	}
	fmt.Println("Frame dropping policies:")
	for _, p := range benchPolicies(configured) {
		marker := ""
		if p.String() == configured.String() {
			marker = " (configured)"
		}
		fmt.Printf("\t- %v%s\n", p, marker)
	}
}

// The configured policy, plus one of each kind. A configured timeout replaces the default one
func benchPolicies(configured compositor.FrameDroppingPolicy) []compositor.FrameDroppingPolicy {
	timeout := compositor.FrameDroppingPolicy(compositor.TimeoutDropPolicy{Timeout: 5 * time.Millisecond})
	if _, ok := configured.(compositor.TimeoutDropPolicy); ok {
		timeout = configured
	}
	return []compositor.FrameDroppingPolicy{
		compositor.BlockClientPolicy{},
		compositor.DropFramesPolicy{},
		timeout,
	}
}

type benchResult struct {
	buffers     int
	policy      compositor.FrameDroppingPolicy
	submitted   uint64
	composited  uint64
	newFrames   uint64
	dropped     uint64
	clientWaits time.Duration
}

func utilBench(conf *config.Config) {
	configured, _ := conf.FrameDroppingPolicy()
	policies := sliceutils.Filter(benchPolicies(configured), func(p compositor.FrameDroppingPolicy) bool {
		return *policySelection == "" || strings.HasPrefix(p.String(), *policySelection)
	})
	if len(policies) == 0 {
		fmt.Printf("No policy matches %s\n", *policySelection)
		return
	}
	props, _ := conf.BufferProperties()
	period := conf.Outputs[0].Period()

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "buffers\tpolicy\tsubmitted\tcomposited\tnew frames\tdropped\tclient wait\n")
	for _, buffers := range []int{2, 3} {
		for _, policy := range policies {
			res, err := benchOnce(props, buffers, policy, period, *benchDuration)
			if err != nil {
				fatal("running bench", err)
			}
			fmt.Fprintf(w, "%d\t%v\t%d\t%d\t%d\t%d\t%v\n",
				res.buffers, res.policy, res.submitted, res.composited, res.newFrames, res.dropped,
				res.clientWaits.Round(time.Millisecond))
		}
	}
	w.Flush()
}

// benchOnce runs a client submitting as fast as it can against one compositor ticking every period
func benchOnce(
	props graphics.BufferProperties,
	buffers int,
	policy compositor.FrameDroppingPolicy,
	period, duration time.Duration,
) (benchResult, error) {
	alloc := graphics.NewHeapAllocator()
	bundle, err := compositor.NewBufferBundle(
		alloc,
		props,
		compositor.QueueingPolicy(buffers),
		compositor.WithFrameDroppingPolicy(policy),
		compositor.WithLogger(logrus.WithField("component", "bench")),
	)
	if err != nil {
		return benchResult{}, err
	}

	res := benchResult{buffers: buffers, policy: policy}
	var submitted, waited atomic.Int64
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			start := time.Now()
			buf, err := bundle.ClientAcquire()
			if err != nil {
				return
			}
			waited.Add(int64(time.Since(start)))
			if err := bundle.ClientRelease(buf); err != nil {
				return
			}
			submitted.Add(1)
		}
	}()

	ticker := time.NewTicker(period)
	var last graphics.Buffer
	var errs []error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}
		buf, err := bundle.CompositorAcquire()
		if err != nil {
			errs = append(errs, err)
			break loop
		}
		res.composited++
		if buf != last {
			res.newFrames++
		}
		last = buf
		if err := bundle.CompositorRelease(buf); err != nil {
			errs = append(errs, err)
			break loop
		}
	}
	ticker.Stop()

	res.dropped = bundle.Stats().DroppedFrames
	if err := bundle.ForceRequestsToComplete(); err != nil {
		logrus.WithError(err).Debugln("Couldn't force bench client to complete")
	}
	bundle.ForceClientAbort()
	wg.Wait()
	errs = append(errs, bundle.Close())

	res.submitted = uint64(submitted.Load())
	res.clientWaits = time.Duration(waited.Load())
	if live := alloc.Live(); live != 0 {
		errs = append(errs, fmt.Errorf("%d buffers leaked", live))
	}
	return res, errors.Join(errs...)
}
