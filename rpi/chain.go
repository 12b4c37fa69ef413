package rpi

import (
	"github.com/pkg/errors"
)

// Chain is a linked list of control blocks laid out back to back in one PhysBuf. Blocks are
// linked by bus address only; the DMA engine fetches them itself.
type Chain struct {
	cbs *PhysBuf
	n   int
}

func newChain(cbs *PhysBuf, n int) (*Chain, error) {
	if n <= 0 {
		return nil, newError(ConfigError, "build chain", errors.Errorf("chain of %d blocks", n))
	}
	if need := uintptr(n) * CONTROL_BLOCK_SIZE; need > cbs.Len() {
		return nil, newError(ConfigError, "build chain", errors.Errorf("%d blocks need %d bytes, buffer has %d", n, need, cbs.Len()))
	}
	return &Chain{cbs: cbs, n: n}, nil
}

// Len is the number of control blocks in the chain.
func (c *Chain) Len() int { return c.n }

// BusAddr is the bus address of block i.
func (c *Chain) BusAddr(i int) uint32 {
	return c.cbs.BusAddr(uintptr(i) * CONTROL_BLOCK_SIZE)
}

// Block reads block i back out of DMA memory.
func (c *Chain) Block(i int) ControlBlock {
	return readControlBlock(c.cbs, uintptr(i)*CONTROL_BLOCK_SIZE)
}

// put writes block i, linking it to block i+1, or terminating the chain if i is the last.
func (c *Chain) put(i int, cb ControlBlock) {
	cb.Stride = 0
	cb.NextConBk = 0
	if i+1 < c.n {
		cb.NextConBk = c.BusAddr(i + 1)
	}
	writeControlBlock(c.cbs, uintptr(i)*CONTROL_BLOCK_SIZE, cb)
}

// Walk follows NextConBk from the first block the way the DMA engine would and returns the
// indices it visits. It fails on a link that leaves the chain or loops.
func (c *Chain) Walk() ([]int, error) {
	var order []int
	seen := make(map[int]bool)
	addr := c.BusAddr(0)
	for addr != 0 {
		off := addr - c.BusAddr(0)
		if addr < c.BusAddr(0) || off%uint32(CONTROL_BLOCK_SIZE) != 0 || int(off/uint32(CONTROL_BLOCK_SIZE)) >= c.n {
			return order, errors.Errorf("link to %08X leaves the chain", addr)
		}
		i := int(off / uint32(CONTROL_BLOCK_SIZE))
		if seen[i] {
			return order, errors.Errorf("chain loops back to block %d", i)
		}
		seen[i] = true
		order = append(order, i)
		addr = c.Block(i).NextConBk
	}
	return order, nil
}

// BuildSampleChain fills cbs with n blocks that each copy one word from the register at bus
// address src into the next slot of results. Nothing paces it; the chain runs as fast as the
// DMA engine can go.
func BuildSampleChain(cbs *PhysBuf, src uint32, results *PhysBuf, n int) (*Chain, error) {
	c, err := newChain(cbs, n)
	if err != nil {
		return nil, err
	}
	if need := uintptr(n) * 4; need > results.Len() {
		return nil, newError(ConfigError, "build chain", errors.Errorf("%d samples need %d bytes, results buffer has %d", n, need, results.Len()))
	}
	for i := 0; i < n; i++ {
		c.put(i, ControlBlock{
			TI:       RPI_DMA_TI_NO_WIDE_BURSTS | RPI_DMA_TI_WAIT_RESP,
			SourceAd: src,
			DestAd:   results.BusAddr(uintptr(i) * 4),
			TxLen:    4,
		})
	}
	return c, nil
}

// PacedTarget describes where a paced chain puts each source word, and what it feeds the
// pacing peripheral.
type PacedTarget struct {
	// Dest is the bus address every source word is copied to.
	Dest uint32
	// Dummy is the bus address of a word fed into FIFO to consume one pacing slot.
	Dummy uint32
	// FIFO is the bus address of the pacing peripheral's FIFO.
	FIFO uint32
	// DREQ is the pacing peripheral's request line.
	DREQ uint32
}

// BuildPacedChain fills cbs with 2n blocks. Block 2i copies word i of source to t.Dest with no
// flow control; block 2i+1 writes t.Dummy into t.FIFO and waits for t.DREQ, so each word goes
// out one peripheral period after the last.
func BuildPacedChain(cbs *PhysBuf, source *PhysBuf, t PacedTarget, n int) (*Chain, error) {
	if t.DREQ == 0 || t.DREQ > 0x1f {
		return nil, newError(ConfigError, "build chain", errors.Errorf("DREQ %d can't pace a transfer", t.DREQ))
	}
	c, err := newChain(cbs, 2*n)
	if err != nil {
		return nil, err
	}
	if need := uintptr(n) * 4; need > source.Len() {
		return nil, newError(ConfigError, "build chain", errors.Errorf("%d samples need %d bytes, source buffer has %d", n, need, source.Len()))
	}
	for i := 0; i < n; i++ {
		c.put(2*i, ControlBlock{
			TI:       RPI_DMA_TI_NO_WIDE_BURSTS | RPI_DMA_TI_WAIT_RESP,
			SourceAd: source.BusAddr(uintptr(i) * 4),
			DestAd:   t.Dest,
			TxLen:    4,
		})
		c.put(2*i+1, ControlBlock{
			TI:       RPI_DMA_TI_NO_WIDE_BURSTS | RPI_DMA_TI_WAIT_RESP | RPI_DMA_TI_DEST_DREQ | rpiDmaTiPerMap(t.DREQ),
			SourceAd: t.Dummy,
			DestAd:   t.FIFO,
			TxLen:    4,
		})
	}
	return c, nil
}
