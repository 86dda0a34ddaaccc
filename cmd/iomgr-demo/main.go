//go:build linux

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/iomgr-dev/iomgr"
	"github.com/iomgr-dev/iomgr/internal/logging"
)

func main() {
	var (
		threads = flag.Int("threads", 2, "Number of reactor threads")
		device  = flag.String("device", "", "Block device or file to exercise (default: temp file)")
		ios     = flag.Int("ios", 16, "Number of async writes to issue")
		size    = flag.Int("size", 4096, "I/O size in bytes (must suit O_DIRECT alignment)")
		useRing = flag.Bool("uring", false, "Use the io_uring drive interface instead of AIO")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logging.SetDefault(logging.NewLogger(logConfig))

	path := *device
	if path == "" {
		f, err := os.CreateTemp("", "iomgr-demo-*.dat")
		if err != nil {
			log.Fatalf("temp file: %v", err)
		}
		if err := f.Truncate(int64(*ios) * int64(*size)); err != nil {
			log.Fatalf("truncate: %v", err)
		}
		path = f.Name()
		f.Close()
		defer os.Remove(path)
	}

	var wg sync.WaitGroup
	wg.Add(*ios)
	cb := func(result int64, cookie any) {
		if result < 0 {
			fmt.Printf("io %v failed: errno %d\n", cookie, -result)
		}
		wg.Done()
	}

	var drive iomgr.DriveInterface
	if *useRing {
		drive = iomgr.NewUringDriveInterface(cb)
	} else {
		drive = iomgr.NewAioDriveInterface(cb)
	}

	mgr := iomgr.New()
	mgr.Start(1, *threads, nil)
	mgr.AddDriveInterface(drive, true)

	fd, err := drive.OpenDev(path, os.O_RDWR)
	if err != nil {
		log.Fatalf("open %s: %v", path, err)
	}
	drive.AddFD(fd, iomgr.DefaultFDPri)

	buf := alignedBuffer(*size)
	for i := range buf {
		buf[i] = byte(i)
	}

	start := time.Now()
	for i := 0; i < *ios; i++ {
		offset := uint64(i * *size)
		i := i
		mgr.RunInIOThread(func() {
			drive.AsyncWrite(fd, buf, offset, i)
		})
	}
	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("%d writes of %d bytes in %v\n", *ios, *size, elapsed)
	for k, v := range driveMetrics(drive).Snapshot() {
		if v != 0 {
			fmt.Printf("  %-28s %d\n", k, v)
		}
	}

	mgr.Stop()
}

// alignedBuffer returns a page-aligned buffer usable with O_DIRECT.
func alignedBuffer(size int) []byte {
	const align = 4096
	raw := make([]byte, size+align)
	off := int(align - uintptr(unsafe.Pointer(&raw[0]))%align)
	if off == align {
		off = 0
	}
	return raw[off : off+size]
}

func driveMetrics(d iomgr.DriveInterface) *iomgr.DriveMetrics {
	switch v := d.(type) {
	case *iomgr.AioDriveInterface:
		return v.Metrics()
	case *iomgr.UringDriveInterface:
		return v.Metrics()
	}
	return &iomgr.DriveMetrics{}
}
