package main

import (
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/sunrise2575/PrimeSieve/internal/accel"
	"github.com/sunrise2575/PrimeSieve/internal/logx"
)

var console = logx.NewConsole(os.Stdout)

type geometrySetting struct {
	groupWidth, maxGroups uint32
	depth                 int
}

func producer(work chan []string, done chan bool, limit uint64, segments int, setting []geometrySetting) {
	for _, g := range setting {
		work <- []string{
			"run",
			"--limit", strconv.FormatUint(limit, 10),
			"--segments", strconv.Itoa(segments),
			"--group-width", strconv.FormatUint(uint64(g.groupWidth), 10),
			"--max-groups", strconv.FormatUint(uint64(g.maxGroups), 10),
			"--depth", strconv.Itoa(g.depth),
		}
	}

	close(work)
	done <- true
}

func consumer(deviceIndex int, bin string, work chan []string, done chan bool) {
	for w := range work {
		cmd := exec.Command(bin, w...)
		cmd.Env = append(os.Environ(), "CUDA_VISIBLE_DEVICES="+strconv.Itoa(deviceIndex))
		stdout, e := cmd.Output()

		basicLogString := "DEVICE=" + strconv.Itoa(deviceIndex) + " " + strings.Join(w[1:], " ") + " : "
		if e != nil {
			console.Log(logx.Error, "%v", basicLogString+strings.TrimSuffix(e.Error(), "\n"))
		} else {
			console.Log(logx.Success, "%v", basicLogString+strings.TrimSuffix(string(stdout), "\n"))
		}
	}

	done <- true
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	bin := pflag.String("bin", "./primesieve", "sieve binary")
	limit := pflag.Uint64("limit", 1<<32, "exclusive upper bound")
	segments := pflag.Int("segments", 64, "segments per run")
	workers := pflag.Int("workers", 0, "concurrent runs, 0 = one per GPU")
	pflag.Parse()

	devices, e := accel.ProbePCI()
	console.Check(e)
	for _, d := range devices {
		console.Log(logx.Info, "%v", d.Address+", "+d.Vendor+", "+d.Product)
	}
	console.Log(logx.Info, "Total GPUs: %d", len(devices))

	n := *workers
	if n <= 0 {
		n = max(len(devices), 1)
	}
	console.Log(logx.Info, "Engaging %d workers", n)

	settings := []geometrySetting{}
	for _, maxGroups := range []uint32{65535, 16384, 4096} {
		for t := uint32(1024); t >= 32; t /= 2 {
			for depth := 1; depth <= 2; depth++ {
				settings = append(settings, geometrySetting{groupWidth: t, maxGroups: maxGroups, depth: depth})
			}
		}
	}

	work := make(chan []string, 9)
	done := make(chan bool, n+1)

	go producer(work, done, *limit, *segments, settings)

	for i := 0; i < n; i++ {
		go consumer(i, *bin, work, done)
	}

	for i := 0; i < n+1; i++ {
		<-done
	}

	console.Log(logx.Info, "Finished")
}
