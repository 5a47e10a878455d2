// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/memrt/pkg/apis/config/v1alpha1"
	"github.com/containers/memrt/pkg/backend"
	"github.com/containers/memrt/pkg/config"
	"github.com/containers/memrt/pkg/hwinfo"
	"github.com/containers/memrt/pkg/instrumentation"
	logger "github.com/containers/memrt/pkg/log"
	"github.com/containers/memrt/pkg/memory"
	"github.com/containers/memrt/pkg/memory/manager"
	"github.com/containers/memrt/pkg/metrics"
	"github.com/containers/memrt/pkg/metrics/collectors"
	"github.com/containers/memrt/pkg/pagefault"
	"github.com/containers/memrt/pkg/submission"
	"github.com/containers/memrt/pkg/svm"
	"github.com/containers/memrt/pkg/version"
)

var (
	log = logger.Default()
)

type options struct {
	configFile  string
	family      string
	metricsAddr string
	iterations  int
	printConfig bool
	dumpMetrics bool
}

var opt = options{}

func init() {
	flag.StringVar(&opt.configFile, "config", "",
		"Configuration file to load. Defaults are used if omitted.")
	flag.StringVar(&opt.family, "family", "",
		"Device family to simulate, overriding the configuration.")
	flag.StringVar(&opt.metricsAddr, "metrics-addr", "",
		"Address to serve /metrics at, overriding the configuration.")
	flag.IntVar(&opt.iterations, "iterations", 4,
		"Number of fault/submit rounds to run.")
	flag.BoolVar(&opt.printConfig, "print-config", false,
		"Print the effective configuration and exit.")
	flag.BoolVar(&opt.dumpMetrics, "dump-metrics", false,
		"Print all collected metrics after the run.")
}

// sim is a single simulated device context with one shared allocation.
type sim struct {
	backend *backend.Backend
	mgr     *manager.Manager
	faults  *pagefault.Coordinator
	tracker *submission.Tracker
	svm     *svm.Registry
	dev     *svm.Device
	cmds    *memory.Allocation
}

func main() {
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			fmt.Printf("version: %s\n", version.Version)
			fmt.Printf("build: %s\n", version.Build)
			os.Exit(0)
		default:
			log.Errorf("unknown command line arguments: %s", strings.Join(args, " "))
			flag.Usage()
			os.Exit(1)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("%v", err)
	}

	if opt.printConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			log.Fatal("failed to marshal configuration: %v", err)
		}
		fmt.Print(string(out))
		os.Exit(0)
	}

	if err := logger.Configure(&cfg.Log); err != nil {
		log.Fatal("failed to configure logging: %v", err)
	}

	if err := collectors.Register(metrics.Default()); err != nil {
		log.Warn("failed to register standard collectors: %v", err)
	}

	instrumentation.SetIdentity(
		instrumentation.Attribute("memrt.device.family", cfg.Device.Family),
	)
	if err := instrumentation.Start(&cfg.Instrumentation); err != nil {
		log.Fatal("failed to set up instrumentation: %v", err)
	}
	defer instrumentation.Stop()

	log.Info("starting memrt simulator version %s/build %s...", version.Version, version.Build)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s, err := setup(cfg)
	if err != nil {
		log.Fatal("%v", err)
	}

	runErr := s.run(ctx, opt.iterations)
	if err := s.close(); err != nil {
		log.Error("shutdown failed: %v", err)
	}
	if opt.dumpMetrics {
		if err := dumpMetrics(); err != nil {
			log.Error("failed to dump metrics: %v", err)
		}
	}
	if runErr != nil {
		log.Fatal("simulation failed: %v", runErr)
	}
}

func loadConfig() (*cfgapi.RuntimeConfig, error) {
	cfg, err := config.Load(opt.configFile)
	if err != nil {
		return nil, err
	}
	if opt.family != "" {
		cfg.Device.Family = opt.family
	}
	if opt.metricsAddr != "" {
		cfg.Instrumentation.HTTPEndpoint = opt.metricsAddr
	}
	return cfg, config.Validate(cfg)
}

func dumpMetrics() error {
	g, err := metrics.NewGatherer(
		metrics.WithNamespace(instrumentation.MetricsNamespace),
		metrics.WithMetrics([]string{"*"}, nil),
		metrics.WithoutPolling(),
	)
	if err != nil {
		return err
	}
	defer g.Stop()

	return g.Dump(os.Stdout)
}

func setup(cfg *cfgapi.RuntimeConfig) (*sim, error) {
	info, err := cfg.Device.Info(hwinfo.Default())
	if err != nil {
		return nil, fmt.Errorf("invalid device: %w", err)
	}

	s := &sim{}

	s.backend, err = backend.New(info, backend.WithConfig(&cfg.Backend))
	if err != nil {
		return nil, fmt.Errorf("failed to create backend: %w", err)
	}

	var limits []manager.Option
	if l := cfg.Device.SystemMemoryLimit; l > 0 {
		limits = append(limits, manager.WithCapacity(memory.PoolSystem, l))
	}
	if l := cfg.Device.LocalMemoryLimit; l > 0 {
		limits = append(limits, manager.WithCapacity(memory.PoolLocal, l))
	}
	s.mgr, err = manager.New(info, append(limits, manager.WithFreeNotifier(s.backend.Forget))...)
	if err != nil {
		_ = s.close()
		return nil, fmt.Errorf("failed to create memory manager: %w", err)
	}

	protector, err := pagefault.NewMprotectProtector()
	if err != nil {
		log.Warn("hardware page protection unavailable (%v), using software protection", err)
		protector = pagefault.NewSoftwareProtector()
	}
	s.faults, err = pagefault.New(pagefault.WithProtector(protector), pagefault.WithBackend(s.backend))
	if err != nil {
		_ = s.close()
		return nil, fmt.Errorf("failed to create page fault coordinator: %w", err)
	}

	s.tracker, err = submission.NewTracker(1, s.backend, s.mgr, submission.WithWaitConfig(&cfg.Wait))
	if err != nil {
		_ = s.close()
		return nil, fmt.Errorf("failed to create submission tracker: %w", err)
	}

	s.svm, err = svm.New(svm.WithPageFaults(s.faults))
	if err != nil {
		_ = s.close()
		return nil, fmt.Errorf("failed to create allocation registry: %w", err)
	}

	s.dev = &svm.Device{
		Name:      info.Family.String(),
		Allocator: s.mgr,
		Backend:   s.backend,
		Queue:     s.tracker,
	}

	s.cmds, err = s.mgr.Allocate(manager.Properties{Type: memory.TypeCommandBuffer, Size: memory.PageSize})
	if err != nil {
		_ = s.close()
		return nil, fmt.Errorf("failed to allocate command buffer: %w", err)
	}

	log.Info("simulating %s using %s page protection", info.String(), protector.Name())

	return s, nil
}

// run doubles a counter in shared memory on the device, reading it back on
// the CPU through page faults after each round.
func (s *sim) run(ctx context.Context, iterations int) error {
	ptr, err := s.svm.Create(memory.PageSize, svm.KindShared, s.dev)
	if err != nil {
		return fmt.Errorf("failed to create shared allocation: %w", err)
	}
	defer s.svm.Free(ptr)

	rec := s.svm.Lookup(ptr)
	cpu := rec.CPU.Storage()
	gpu := rec.GPU.GPUAddress()
	guard := s.faults.Guard()

	guard.Access(func() { binary.LittleEndian.PutUint32(cpu, 1) })

	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.faults.ToDeviceDomainForRegistry(ctx, s.svm); err != nil {
			return fmt.Errorf("failed to migrate shared memory to device: %w", err)
		}
		s.svm.MakeInternalAllocationsResident(s.tracker, svm.KindShared|svm.KindDevice)

		stamp, err := s.tracker.Flush(ctx, backend.Batch{
			Buffer: s.cmds,
			Length: 64,
			Label:  fmt.Sprintf("double-%d", i),
			Work: func(d backend.Device) {
				var buf [4]byte
				d.Read(gpu, buf[:])
				binary.LittleEndian.PutUint32(buf[:], 2*binary.LittleEndian.Uint32(buf[:]))
				d.Write(gpu, buf[:])
			},
		}, nil)
		if err != nil {
			return fmt.Errorf("failed to flush batch %d: %w", i, err)
		}

		var value uint32
		guard.Access(func() { value = binary.LittleEndian.Uint32(cpu) })

		log.Info("round %d: task count %d, flush stamp %d, value %d",
			i, stamp.TaskCount, stamp.FlushStamp, value)
	}

	res, err := s.tracker.WaitForTaskCount(ctx, s.tracker.LatestSentTaskCount(), s.tracker.DefaultWaitPolicy())
	if err != nil {
		return fmt.Errorf("failed to wait for completion: %w", err)
	}
	log.Info("all work completed (%s, %d polls)", res.State, res.Polls)

	s.svm.Dump("final")
	s.faults.Dump("final")
	s.tracker.Dump("final")

	return nil
}

// close releases whatever setup managed to create.
func (s *sim) close() error {
	ctx := context.Background()

	var err error
	if s.svm != nil {
		err = s.svm.Close(ctx)
	}
	if s.tracker != nil {
		if e := s.tracker.Close(ctx); e != nil && err == nil {
			err = e
		}
	}
	if s.mgr != nil {
		if s.cmds != nil {
			s.mgr.Free(s.cmds)
		}
		s.mgr.Close()
	}
	if s.backend != nil {
		s.backend.Close()
	}

	return err
}
