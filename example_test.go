// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amq_test

import (
	"fmt"

	"code.hybscloud.com/amq"
	"code.hybscloud.com/amq/loopback"
)

// Example demonstrates the full send/drain cycle on a team of one.
func Example() {
	fabric := loopback.NewFabric(1)

	const echo = amq.HandlerID(1)
	reg := amq.NewRegistry()
	reg.Register(echo, func(src amq.Unit, data []byte) {
		fmt.Printf("from %d: %s\n", src, data)
	})

	q, err := amq.New(64, 16).Handlers(reg).Open(fabric.Comm(0))
	if err != nil {
		panic(err)
	}
	defer q.Close()

	// A unit may message itself; the bytes go through the window like any
	// other one-sided injection.
	q.TrySend(0, echo, []byte("hello"))
	q.Process()

	// Output:
	// from 0: hello
}

// ExampleQueue_BSend demonstrates batching: cached messages become visible
// only once the cache drains.
func ExampleQueue_BSend() {
	fabric := loopback.NewFabric(1)

	const count = amq.HandlerID(2)
	n := 0
	reg := amq.NewRegistry()
	reg.Register(count, func(src amq.Unit, data []byte) { n++ })

	q, err := amq.New(16, 64).Handlers(reg).Open(fabric.Comm(0))
	if err != nil {
		panic(err)
	}
	defer q.Close()

	for i := 0; i < 10; i++ {
		q.BSend(0, count, []byte{byte(i)})
	}
	q.Process()
	fmt.Println("before flush:", n)

	q.Flush()
	q.Process()
	fmt.Println("after flush:", n)

	// Output:
	// before flush: 0
	// after flush: 10
}
