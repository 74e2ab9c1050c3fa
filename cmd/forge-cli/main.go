package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"ipkforge/internal/deviceinfo"
	"ipkforge/internal/logger"
	"ipkforge/internal/packager"
)

const usage = `usage:
  forge-cli make [flags]   提交打包任务并下载安装包
  forge-cli info --sn SN   查询设备信息
`

type options struct {
	addr    string
	typ     string
	params  []string
	sn      string
	out     string
	count   int
	timeout time.Duration

	dbURL      string
	dbUser     string
	dbPassword string
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var opts options
	flags := pflag.NewFlagSet("forge-cli "+os.Args[1], pflag.ExitOnError)
	flags.StringVar(&opts.addr, "addr", "http://127.0.0.1:7878", "packager base URL")
	flags.StringVarP(&opts.typ, "type", "t", "", "package type, e.g. iCopy-XS")
	flags.StringArrayVarP(&opts.params, "param", "p", nil, "build parameter key=value (repeatable)")
	flags.StringVar(&opts.sn, "sn", "", "look the device up by serial number and merge its fields")
	flags.StringVarP(&opts.out, "out", "o", ".", "download directory")
	flags.IntVarP(&opts.count, "count", "n", 1, "number of concurrent requests (stress mode)")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Minute, "overall timeout")
	flags.StringVar(&opts.dbURL, "db-url", "http://127.0.0.1:8080/", "device-info service base URL")
	flags.StringVar(&opts.dbUser, "db-user", os.Getenv("IPKFORGE_DB_USER"), "device-info account")
	flags.StringVar(&opts.dbPassword, "db-password", os.Getenv("IPKFORGE_DB_PASSWORD"), "device-info password")
	flags.Parse(os.Args[2:])

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "make":
		err = runMake(ctx, opts)
	case "info":
		err = runInfo(ctx, opts)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func newDeviceClient(opts options) *deviceinfo.Client {
	return deviceinfo.NewClient(deviceinfo.Config{
		BaseURL:  opts.dbURL,
		User:     opts.dbUser,
		Password: opts.dbPassword,
	}, logger.New("warn", "text", os.Stderr))
}

func runInfo(ctx context.Context, opts options) error {
	if opts.sn == "" {
		return fmt.Errorf("--sn is required")
	}
	device, err := newDeviceClient(opts).DeviceBySN(ctx, opts.sn)
	if err != nil {
		return err
	}

	fields := device.Fields()
	fields["type"] = strconv.Itoa(device.Type)
	if v, err := packager.VariantByDBType(device.Type); err == nil {
		fields["type"] = v.Name
	}
	fields["date"] = device.Date
	fields["fc_state"] = strconv.Itoa(device.FactoryState)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-16s %s\n", k, fields[k])
	}
	return nil
}

// buildParams 设备信息打底，命令行参数覆盖
func buildParams(ctx context.Context, opts options) (map[string]string, error) {
	params := make(map[string]string)

	if opts.sn != "" {
		device, err := newDeviceClient(opts).DeviceBySN(ctx, opts.sn)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", opts.sn, err)
		}
		for k, v := range device.Fields() {
			params[k] = v
		}
		if opts.typ == "" {
			if v, err := packager.VariantByDBType(device.Type); err == nil {
				params[packager.ParamType] = v.Name
			}
		}
	}

	for _, kv := range opts.params {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", kv)
		}
		params[k] = v
	}
	if opts.typ != "" {
		params[packager.ParamType] = opts.typ
	}
	if params[packager.ParamType] == "" {
		return nil, fmt.Errorf("--type is required, one of: %s", strings.Join(packager.VariantNames(), ", "))
	}
	return params, nil
}

func runMake(ctx context.Context, opts options) error {
	params, err := buildParams(ctx, opts)
	if err != nil {
		return err
	}
	client := newPackagerClient(opts.addr, time.Minute)

	if opts.count <= 1 {
		fmt.Printf("🚀 Submitting %s package...\n", params[packager.ParamType])
		start := time.Now()
		path, err := client.Make(ctx, params, opts.out)
		if err != nil {
			return err
		}
		fmt.Printf("✅ Package ready: %s (%v)\n", path, time.Since(start).Round(time.Millisecond))
		return nil
	}

	return stress(ctx, client, params, opts)
}

// stress 并发提交 count 个不同的任务，每个任务带上不同的 request_id
func stress(ctx context.Context, client *packagerClient, params map[string]string, opts options) error {
	fmt.Printf("🚀 Starting stress run: %d packages...\n", opts.count)

	var wg sync.WaitGroup
	var failed atomic.Int32
	start := time.Now()

	// 限制同时在途的请求数
	sem := make(chan struct{}, 50)

	for i := 0; i < opts.count; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(id int) {
			defer func() {
				<-sem
				wg.Done()
			}()

			p := make(map[string]string, len(params)+1)
			for k, v := range params {
				p[k] = v
			}
			p["request_id"] = fmt.Sprintf("%d-%d", time.Now().UnixNano(), id)

			path, err := client.Make(ctx, p, opts.out)
			if err != nil {
				failed.Add(1)
				fmt.Printf("❌ Request %d failed: %v\n", id, err)
				return
			}
			if id%50 == 0 {
				fmt.Printf("-> Request %d done: %s\n", id, path)
			}
		}(i)
	}
	wg.Wait()

	duration := time.Since(start)
	fmt.Printf("\n✅ Stress Run Finished!\n")
	fmt.Printf("   Total Packages: %d\n", opts.count)
	fmt.Printf("   Failed: %d\n", failed.Load())
	fmt.Printf("   Total Time: %v\n", duration)
	fmt.Printf("   Packages/s: %.2f\n", float64(opts.count)/duration.Seconds())

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d requests failed", n, opts.count)
	}
	return nil
}
