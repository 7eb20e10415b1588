// Command ecsdemo wires every package in this module into one small
// simulation: a fixed chunk of Position/Velocity rows laid out by
// chunklayout, allocated through blockheap, integrated in parallel by
// the job scheduler, with arena backing each frame's scratch buffer.
package main

import (
	"context"
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/ferrohall/ecsrt/arena"
	"github.com/ferrohall/ecsrt/blockheap"
	"github.com/ferrohall/ecsrt/chunklayout"
	"github.com/ferrohall/ecsrt/internal/xlog"
	"github.com/ferrohall/ecsrt/internal/xshutdown"
	"github.com/ferrohall/ecsrt/job"
)

var log = xlog.Default("ecsdemo")

// chunkHeader sits at offset 0 of every entity chunk.
type chunkHeader struct {
	Count uint32
}

type vec2 struct{ X, Y float32 }

const (
	chunkSize  = 65536
	chunkCount = 4
	frames     = 8
)

// entityChunk pins together a chunk's base address and the offsets
// chunklayout computed for it, so updateChunk doesn't recompute them.
type entityChunk struct {
	base     unsafe.Pointer
	posOff   uintptr
	velOff   uintptr
	numItems uintptr
}

func (c *entityChunk) header() *chunkHeader {
	return (*chunkHeader)(c.base)
}

func (c *entityChunk) positions() []vec2 {
	p := unsafe.Add(c.base, c.posOff)
	return unsafe.Slice((*vec2)(p), c.numItems)
}

func (c *entityChunk) velocities() []vec2 {
	p := unsafe.Add(c.base, c.velOff)
	return unsafe.Slice((*vec2)(p), c.numItems)
}

func buildChunk(heap *blockheap.Heap, schema chunklayout.Schema, count uint32) (*entityChunk, error) {
	ptr, err := heap.Alloc(chunkSize, chunkSize)
	if err != nil {
		return nil, err
	}
	posOff, _ := schema.OffsetOf("position")
	velOff, _ := schema.OffsetOf("velocity")

	c := &entityChunk{base: ptr, posOff: posOff, velOff: velOff, numItems: schema.NumItems}
	*c.header() = chunkHeader{Count: count}

	vel := c.velocities()
	for i := range vel {
		vel[i] = vec2{X: 0.1 * float32(i%7-3), Y: 0.05 * float32(i%5-2)}
	}
	return c, nil
}

// updateChunk integrates velocity into position for one chunk, using
// bytes from the scratch arena as a staging buffer the way a real
// per-frame system would borrow working memory without touching the
// long-lived heap.
func updateChunk(c *entityChunk, scratch *arena.Arena) {
	n := c.numItems
	buf, err := scratch.Alloc(n*unsafe.Sizeof(vec2{}), unsafe.Alignof(vec2{}))
	if err != nil {
		log.Error("scratch alloc failed", xlog.Err(err))
		return
	}
	staging := unsafe.Slice((*vec2)(buf), n)

	pos, vel := c.positions(), c.velocities()
	for i := range pos {
		staging[i] = vec2{X: pos[i].X + vel[i].X, Y: pos[i].Y + vel[i].Y}
	}
	copy(pos, staging)
}

func run() error {
	heap := blockheap.New(blockheap.DefaultConfig())
	sched := job.New(heap, true)
	sched.Startup(numWorkers())

	shutdown := xshutdown.New(5*time.Second, xlog.Default("shutdown"))
	shutdown.Register(func() error { return sched.Shutdown() })
	shutdown.Register(func() error { heap.Close(); return nil })

	schema, err := chunklayout.Build[chunkHeader](chunkSize,
		chunklayout.FieldFor[vec2]("position"),
		chunklayout.FieldFor[vec2]("velocity"),
	)
	if err != nil {
		return err
	}
	log.Info("chunk schema built",
		xlog.Int("numItems", int(schema.NumItems)),
		xlog.Int("chunkSize", int(schema.ChunkSize)),
	)

	chunks := make([]*entityChunk, chunkCount)
	for i := range chunks {
		c, err := buildChunk(heap, schema, uint32(schema.NumItems))
		if err != nil {
			return err
		}
		chunks[i] = c
	}

	for frame := 0; frame < frames; frame++ {
		scratch := arena.New(arena.DefaultPageSize)

		for _, c := range chunks {
			c := c
			if _, err := job.Schedule(sched, c, func(ctx *job.Context, cp **entityChunk) {
				updateChunk(*cp, scratch)
			}); err != nil {
				return err
			}
		}
		sched.Flush()
		scratch.Deinit()

		log.Info("frame complete", xlog.Int("frame", frame))
	}

	sample := chunks[0].positions()
	fmt.Printf("entity 0 after %d frames: (%.3f, %.3f)\n", frames, sample[0].X, sample[0].Y)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return shutdown.Shutdown(ctx)
}

func numWorkers() int {
	if n := os.Getenv("ECSDEMO_WORKERS"); n != "" {
		var parsed int
		if _, err := fmt.Sscanf(n, "%d", &parsed); err == nil && parsed > 0 {
			return parsed
		}
	}
	return 4
}

func main() {
	if err := run(); err != nil {
		log.Fatal("ecsdemo failed", xlog.Err(err))
	}
}
