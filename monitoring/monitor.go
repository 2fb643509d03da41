// Package monitoring turns a simulated machine into a small web server so
// its paging state can be inspected while a scenario runs.
package monitoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"time"

	// Enable profiling.
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/edukernel/pagesim/vm"
)

// Monitor exposes a machine's paging state over HTTP.
type Monitor struct {
	machine     *vm.Machine
	portNumber  int
	openBrowser bool
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port the server listens on. Ports below 1000 are
// rejected and a random port is used instead.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is not allowed for the monitor. "+
				"Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithBrowser makes StartServer open the machine page in a browser.
func (m *Monitor) WithBrowser() *Monitor {
	m.openBrowser = true
	return m
}

// RegisterMachine registers the machine to be monitored.
func (m *Monitor) RegisterMachine(machine *vm.Machine) {
	m.machine = machine
}

// StartServer starts the monitoring server in the background.
func (m *Monitor) StartServer() {
	r := mux.NewRouter()
	r.HandleFunc("/api/machine", m.machineState)
	r.HandleFunc("/api/directory", m.listDirectory)
	r.HandleFunc("/api/translate/{addr}", m.translate)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	http.Handle("/", r)

	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring machine %s with %s\n",
		m.machine.Name(), url)

	go func() {
		err := http.Serve(listener, nil)
		dieOnErr(err)
	}()

	if m.openBrowser {
		err := browser.OpenURL(url + "/api/machine")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cannot open browser: %v\n", err)
		}
	}
}

func (m *Monitor) machineState(w http.ResponseWriter, _ *http.Request) {
	serializer := goseth.NewSerializer()
	serializer.SetRoot(m.machine)
	serializer.SetMaxDepth(1)

	dieOnErr(serializer.Serialize(w))
}

type directoryEntryRsp struct {
	Index uint32 `json:"index"`
	Frame uint32 `json:"frame"`
	Flags uint32 `json:"flags"`
}

func (m *Monitor) listDirectory(w http.ResponseWriter, _ *http.Request) {
	entries := m.machine.ActiveDirectory()

	rsp := make([]directoryEntryRsp, 0)
	for i, e := range entries {
		if !e.Has(vm.FlagPresent) {
			continue
		}

		rsp = append(rsp, directoryEntryRsp{
			Index: uint32(i),
			Frame: e.Frame(),
			Flags: uint32(e.Flags()),
		})
	}

	data, err := json.Marshal(rsp)
	dieOnErr(err)

	_, err = w.Write(data)
	dieOnErr(err)
}

type translateRsp struct {
	VirtAddr uint32 `json:"virt_addr"`
	PhysAddr uint32 `json:"phys_addr"`
	Mapped   bool   `json:"mapped"`
}

func (m *Monitor) translate(w http.ResponseWriter, r *http.Request) {
	addrStr := mux.Vars(r)["addr"]

	addr, err := strconv.ParseUint(addrStr, 0, 32)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	rsp := translateRsp{VirtAddr: uint32(addr)}

	paddr, err := m.machine.VirtToPhys(uint32(addr))
	switch {
	case err == nil:
		rsp.PhysAddr = paddr
		rsp.Mapped = true
	case errors.Is(err, vm.ErrNotMapped):
		rsp.Mapped = false
	default:
		dieOnErr(err)
	}

	data, err := json.Marshal(rsp)
	dieOnErr(err)

	_, err = w.Write(data)
	dieOnErr(err)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	proc, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := proc.CPUPercent()
	dieOnErr(err)

	memoryInfo, err := proc.MemoryInfo()
	dieOnErr(err)

	rsp := resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memoryInfo.RSS,
	}

	data, err := json.Marshal(rsp)
	dieOnErr(err)

	_, err = w.Write(data)
	dieOnErr(err)
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	dieOnErr(err)

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	data, err := json.Marshal(prof)
	dieOnErr(err)

	_, err = w.Write(data)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
