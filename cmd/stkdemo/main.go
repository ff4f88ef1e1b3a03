// Command stkdemo exercises a handful of the concurrency primitives in this
// module end to end, as a smoke test runnable outside the test suite.
package main

import (
	"fmt"
	"hash/fnv"

	"github.com/joeycumines/stk/cmap"
	"github.com/joeycumines/stk/taskgraph"
	"github.com/joeycumines/stk/threadpool"
)

func hashKey(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}

func main() {
	pool := threadpool.New(4, nil)
	defer pool.Shutdown()

	m := cmap.New[int](nil)
	graph := taskgraph.NewGraph(pool, nil)

	var tasks []*taskgraph.Task
	for i := 0; i < 10; i++ {
		i := i
		tasks = append(tasks, graph.Submit(func() {
			m.InsertOrFind(hashKey(fmt.Sprintf("key-%d", i)), i*i)
		}))
	}
	graph.Wait(tasks...)

	for i := 0; i < 10; i++ {
		v, _ := m.Find(hashKey(fmt.Sprintf("key-%d", i)))
		fmt.Printf("key-%d = %d\n", i, v)
	}
}
