// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command amqbench runs an all-to-all active-message exchange over an
// in-process loopback team and reports throughput.
package main

import (
	"fmt"
	"os"
	"time"

	"code.hybscloud.com/amq"
	"code.hybscloud.com/amq/loopback"
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const usage = `amqbench - one-sided active-message queue benchmark.

Usage:
  amqbench [--units=<n>] [--msgs=<m>] [--size=<bytes>] [--count=<c>] [--batch] [--verbose]
  amqbench -h | --help

Options:
  --units=<n>     Team size [default: 4].
  --msgs=<m>      Messages per sender per target [default: 100000].
  --size=<bytes>  Payload bytes per message [default: 32].
  --count=<c>     Sub-queue capacity in maximum-sized messages [default: 256].
  --batch         Batch through the coalescing cache (BSend) instead of TrySend.
  --verbose       Enable debug logging.
  -h --help       Show this screen.`

const benchFn = amq.HandlerID(1)

func main() {
	opts, err := docopt.ParseDoc(usage)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	units, _ := opts.Int("--units")
	msgs, _ := opts.Int("--msgs")
	size, _ := opts.Int("--size")
	count, _ := opts.Int("--count")
	batch, _ := opts.Bool("--batch")
	verbose, _ := opts.Bool("--verbose")

	log := zerolog.Nop()
	if verbose {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(zerolog.DebugLevel).
			With().Timestamp().Logger()
	}

	if err := run(units, msgs, size, count, batch, log); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(units, msgs, size, count int, batch bool, log zerolog.Logger) error {
	fabric := loopback.NewFabric(units)
	received := make([]atomix.Int64, units)
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}

	start := time.Now()
	var g errgroup.Group
	for u := 0; u < units; u++ {
		g.Go(func() error {
			reg := amq.NewRegistry()
			reg.Register(benchFn, func(src amq.Unit, data []byte) {
				received[u].Add(1)
			})
			q, err := amq.New(size, count).
				Handlers(reg).
				Logger(log).
				Open(fabric.Comm(u))
			if err != nil {
				return err
			}

			backoff := iox.Backoff{}
			for i := 0; i < msgs; i++ {
				for t := 0; t < units; t++ {
					if t == u {
						continue
					}
					target := amq.Unit(t)
					if batch {
						if err := q.BSend(target, benchFn, payload); err != nil {
							return err
						}
						continue
					}
					for {
						err := q.TrySend(target, benchFn, payload)
						if err == nil {
							backoff.Reset()
							break
						}
						if !amq.IsWouldBlock(err) {
							return err
						}
						// Full target: drain our own queue so a peer
						// blocked on us can make progress, then retry.
						q.Process()
						backoff.Wait()
					}
				}
			}
			if err := q.ProcessBlocking(); err != nil {
				return err
			}
			return q.Close()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	var total int64
	for i := range received {
		total += received[i].Load()
	}
	want := int64(units) * int64(units-1) * int64(msgs)
	if total != want {
		return fmt.Errorf("amqbench: received %d messages, want %d", total, want)
	}

	mode := "trysend"
	if batch {
		mode = "bsend"
	}
	fmt.Printf("units=%d msgs=%d size=%dB mode=%s\n", units, msgs, size, mode)
	fmt.Printf("delivered %d messages in %v (%.0f msg/s, %.1f MiB/s)\n",
		total, elapsed.Round(time.Millisecond),
		float64(total)/elapsed.Seconds(),
		float64(total)*float64(size)/elapsed.Seconds()/(1<<20))
	return nil
}
