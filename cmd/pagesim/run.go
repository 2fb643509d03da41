package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/edukernel/pagesim/monitoring"
	"github.com/edukernel/pagesim/record"
	"github.com/edukernel/pagesim/vm"
)

var (
	recordFlag  bool
	monitorFlag bool
	browserFlag bool
	portFlag    int
	waitFlag    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot a machine and run the map/fork/drop demo scenario",
	Run: func(_ *cobra.Command, _ []string) {
		run()
		atexit.Exit(0)
	},
}

func init() {
	runCmd.Flags().BoolVar(&recordFlag, "record", false,
		"record paging events to a SQLite file")
	runCmd.Flags().BoolVar(&monitorFlag, "monitor", false,
		"start the monitoring server")
	runCmd.Flags().BoolVar(&browserFlag, "browser", false,
		"open the monitoring page in a browser")
	runCmd.Flags().IntVar(&portFlag, "port", 0,
		"port for the monitoring server")
	runCmd.Flags().BoolVar(&waitFlag, "wait", false,
		"keep the process alive after the scenario, for monitoring")

	rootCmd.AddCommand(runCmd)
}

// memSizeFromEnv reads PAGESIM_MEM_MB from the environment or a .env file.
func memSizeFromEnv() uint64 {
	_ = godotenv.Load()

	mb := uint64(64)
	if s := os.Getenv("PAGESIM_MEM_MB"); s != "" {
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid PAGESIM_MEM_MB %q: %v\n", s, err)
			atexit.Exit(1)
		}
		mb = v
	}

	return mb * 1024 * 1024
}

func run() {
	builder := vm.MakeBuilder().WithMemSize(memSizeFromEnv())

	if recordFlag {
		builder = builder.WithRecorder(record.New(""))
	}

	m := builder.Build("machine0")
	m.PageInit()

	if monitorFlag {
		monitor := monitoring.NewMonitor()
		monitor.RegisterMachine(m)
		if portFlag > 0 {
			monitor.WithPortNumber(portFlag)
		}
		if browserFlag {
			monitor.WithBrowser()
		}
		monitor.StartServer()
	}

	scenario(m)

	if waitFlag {
		fmt.Println("Scenario done, serving until interrupted.")
		select {}
	}
}

// scenario maps a user region, forks the address space, and shows that the
// child's pages are private while the kernel region stays shared.
func scenario(m *vm.Machine) {
	const userBase = 0x40000000
	const pages = 4

	frames := make([]uint32, pages)
	for i := range frames {
		f, err := m.FrameAllocator().AcquireFrame()
		dieOnErr(err)
		frames[i] = f
	}

	baseline := m.FrameAllocator().FreeFrameCount()
	fmt.Printf("free frames before mapping: %d\n", baseline+pages)

	for i, f := range frames {
		err := m.PageMap(userBase+uint32(i)*vm.PageSize, f, 1,
			vm.FlagRW|vm.FlagUser)
		dieOnErr(err)
	}

	dieOnErr(m.WriteVirt(userBase, []byte("hello from the parent")))

	paddr, err := m.VirtToPhys(userBase + 0x500)
	dieOnErr(err)
	fmt.Printf("virt 0x%08x -> phys 0x%08x\n", userBase+0x500, paddr)

	parent := m.ActiveSpace()

	child, err := m.CreateSpace()
	dieOnErr(err)
	dieOnErr(m.PageMapCopy(child, parent))
	fmt.Printf("forked tree 0x%08x -> 0x%08x\n", parent.Root(), child.Root())

	m.SwitchSpace(child)
	dieOnErr(m.WriteVirt(userBase, []byte("hello from the child ")))

	childData, err := m.ReadVirt(userBase, 21)
	dieOnErr(err)

	m.SwitchSpace(parent)
	parentData, err := m.ReadVirt(userBase, 21)
	dieOnErr(err)

	fmt.Printf("child sees:  %q\nparent sees: %q\n", childData, parentData)

	m.PageMapDrop(child)
	fmt.Printf("free frames after dropping the child: %d\n",
		m.FrameAllocator().FreeFrameCount())
}

func dieOnErr(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		atexit.Exit(1)
	}
}
