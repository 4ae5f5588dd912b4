// Command boxedwine loads a flat 32-bit x86 image into a fresh guest
// address space, runs one guest thread through the binary translator
// until it terminates, and reports the register file.
package main

import (
	"fmt"
	"os"
)

import (
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

import (
	"github.com/Phoenix597/Boxedwine/bt"
	"github.com/Phoenix597/Boxedwine/defs"
	"github.com/Phoenix597/Boxedwine/stats"
	"github.com/Phoenix597/Boxedwine/util"
)

type config_t struct {
	LogLevel         string `yaml:"loglevel"`
	StackPages       uint32 `yaml:"stackpages"`
	CommitStackPages uint32 `yaml:"commitstackpages"`
}

func defaults() config_t {
	return config_t{
		LogLevel:         "info",
		StackPages:       256,
		CommitStackPages: 2,
	}
}

var (
	flagBase         uint32
	flagEntry        uint32
	flagConfig       string
	flagCPUProfile   bool
	flagChunkProfile string
)

func main() {
	root := &cobra.Command{
		Use:          "boxedwine IMAGE",
		Short:        "run a flat 32-bit x86 image through the binary translator",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:         run,
	}
	root.Flags().Uint32Var(&flagBase, "base", 0x1000, "guest load address")
	root.Flags().Uint32Var(&flagEntry, "entry", 0, "entry eip (defaults to the load address)")
	root.Flags().StringVar(&flagConfig, "config", "", "yaml config file")
	root.Flags().BoolVar(&flagCPUProfile, "cpuprofile", false, "profile the emulator itself")
	root.Flags().StringVar(&flagChunkProfile, "chunkprofile", "", "write a pprof profile of hot guest chunks")
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := defaults()
	if flagConfig != "" {
		raw, err := os.ReadFile(flagConfig)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("bad config: %w", err)
		}
	}
	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)

	if flagCPUProfile {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	}

	image, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	if flagBase&defs.PGOFFSET != 0 {
		return fmt.Errorf("load address %#x is not page aligned", flagBase)
	}
	entry := flagEntry
	if entry == 0 {
		entry = flagBase
	}

	sys := bt.MkSystem()
	p := sys.MkProcess(nil)

	pages := uint32(util.Roundup(len(image), defs.PGSIZE) / defs.PGSIZE)
	p.Memory.AllocPages(flagBase>>defs.PGSHIFT, pages,
		defs.PAGE_READ|defs.PAGE_WRITE|defs.PAGE_EXEC)
	if f := p.Memory.KWriteBytes(0, flagBase, image); f != nil {
		return fmt.Errorf("cannot load image at %#x", flagBase)
	}

	t := p.NewThread()
	// reserve the stack just under the guest's 256 MiB line
	stackTop := uint32(0x10000000) >> defs.PGSHIFT
	t.SetupStack(stackTop-cfg.StackPages, cfg.StackPages, cfg.CommitStackPages)
	t.Cpu.Eip = entry

	t.Start()
	t.Join()

	c := t.Cpu
	fmt.Printf("eax=%08x ebx=%08x ecx=%08x edx=%08x\n",
		c.Regs[0], c.Regs[3], c.Regs[1], c.Regs[2])
	fmt.Printf("esi=%08x edi=%08x ebp=%08x esp=%08x eip=%08x\n",
		c.Regs[6], c.Regs[7], c.Regs[5], c.Regs[4], c.Eip)
	fmt.Printf("translator: %s\n", sys.St.String())

	if flagChunkProfile != "" {
		f, err := os.Create(flagChunkProfile)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := stats.WriteChunkProfile(f, p.Cache.LiveChunks(t.Id)); err != nil {
			return err
		}
	}
	return nil
}
