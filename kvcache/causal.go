package kvcache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/ollama/xlm/model/input"
)

// ShiftFn re-encodes a stored key for a position change of shift
type ShiftFn func(layer int, key []float32, shift int32) error

// Causal cache stores keys and values according to their position in the
// sequence. Each cell holds one position and may be shared by several
// sequences, which is how a prefix is copied without moving data.
type Causal struct {
	DType DType

	// ** current forward pass **

	// size of the current batch
	curBatchSize int

	// locations for data storage for this batch
	curLocs []int

	// cells each row of the batch may attend to
	curMask [][]int

	// the active layer for Get and Put
	curLayer int

	// curSequences is the sequences corresponding to this pass's entries in the cache
	curSequences []int

	// curPositions is the positions corresponding to this pass's entries in the cache
	curPositions []int32

	// ** cache metadata **

	// for each possible location in the cache, stores the position and set of sequences
	// that reference the data there
	cells []cacheCell

	// maps from sequence to the range of locations where it is stored in the cache
	cellRanges map[int]cellRange

	// ** cache data storage **

	shiftFn ShiftFn

	// dim is the number of elements per stored row, set by the first Put
	dim int

	keys, values map[int][]byte
}

var _ Cache = (*Causal)(nil)

type cacheCell struct {
	pos       int32
	sequences []int
}

type cellRange struct {
	min int
	max int
}

func NewCausalCache(shift ShiftFn) *Causal {
	return &Causal{
		shiftFn: shift,
		keys:    make(map[int][]byte),
		values:  make(map[int][]byte),
	}
}

func (c *Causal) Init(dtype DType, maxSequences, capacity int) {
	c.DType = dtype
	c.cells = make([]cacheCell, maxSequences*capacity)
	c.cellRanges = make(map[int]cellRange)
}

func (c *Causal) StartForward(batch input.Batch) error {
	if len(batch.Positions) != len(batch.Sequences) {
		return fmt.Errorf("batch has %d positions and %d sequences", len(batch.Positions), len(batch.Sequences))
	}

	c.curBatchSize = len(batch.Positions)
	c.curSequences = batch.Sequences
	c.curPositions = batch.Positions

	locs, err := c.findLocs()
	if err != nil {
		return err
	}

	for i, pos := range batch.Positions {
		seq := batch.Sequences[i]
		loc := locs[i]

		c.cells[loc] = cacheCell{pos: pos, sequences: []int{seq}}

		seqRange, ok := c.cellRanges[seq]
		if !ok {
			seqRange = newRange()
		}

		seqRange.min = min(seqRange.min, loc)
		seqRange.max = max(seqRange.max, loc)
		c.cellRanges[seq] = seqRange
	}

	c.curLocs = locs
	c.buildMask()

	return nil
}

func newRange() cellRange {
	return cellRange{
		min: math.MaxInt,
		max: 0,
	}
}

// Find the first contiguous block of at least curBatchSize
func (c *Causal) findLocs() ([]int, error) {
	loc := make([]int, 0, c.curBatchSize)

	for i := range c.cells {
		if len(c.cells[i].sequences) == 0 {
			loc = append(loc, i)
			if len(loc) >= c.curBatchSize {
				return loc, nil
			}
		}
	}

	return nil, fmt.Errorf("%w (cache: %v batch: %v)", ErrKvCacheFull, len(c.cells), c.curBatchSize)
}

// buildMask lists, for every row, the cells of its sequence at or before
// its position. Rows written earlier in the same batch are included.
func (c *Causal) buildMask() {
	c.curMask = make([][]int, c.curBatchSize)

	for i := range c.curBatchSize {
		seqRange, ok := c.cellRanges[c.curSequences[i]]
		if !ok {
			continue
		}

		for j := seqRange.min; j <= seqRange.max; j++ {
			if slices.Contains(c.cells[j].sequences, c.curSequences[i]) &&
				c.cells[j].pos <= c.curPositions[i] {
				c.curMask[i] = append(c.curMask[i], j)
			}
		}
	}
}

func (c *Causal) SetLayer(layer int) {
	c.curLayer = layer
}

func (c *Causal) Get(row int) ([]float32, []float32, int) {
	locs := c.curMask[row]
	keys := make([]float32, 0, len(locs)*c.dim)
	values := make([]float32, 0, len(locs)*c.dim)

	for _, loc := range locs {
		keys = append(keys, c.decode(c.keys[c.curLayer], loc)...)
		values = append(values, c.decode(c.values[c.curLayer], loc)...)
	}

	return keys, values, len(locs)
}

func (c *Causal) Put(row int, key, value []float32) {
	if len(key) != len(value) {
		panic(fmt.Errorf("inconsistent key and value sizes (layer: %v, key: %v value: %v)", c.curLayer, len(key), len(value)))
	}

	if c.dim == 0 {
		c.dim = len(key)
	} else if c.dim != len(key) {
		panic(fmt.Errorf("inconsistent row sizes (layer: %v, row size: %v layer row size: %v)", c.curLayer, c.dim, len(key)))
	}

	if row >= c.curBatchSize {
		panic(fmt.Errorf("row %v outside of batch (batch size: %v)", row, c.curBatchSize))
	}

	rowSize := c.dim * c.DType.Size()
	if _, ok := c.keys[c.curLayer]; !ok {
		c.keys[c.curLayer] = make([]byte, rowSize*len(c.cells))
	}

	if _, ok := c.values[c.curLayer]; !ok {
		c.values[c.curLayer] = make([]byte, rowSize*len(c.cells))
	}

	loc := c.curLocs[row]
	c.encode(c.keys[c.curLayer], loc, key)
	c.encode(c.values[c.curLayer], loc, value)
}

func (c *Causal) encode(dst []byte, loc int, row []float32) {
	rowSize := c.dim * c.DType.Size()
	dst = dst[loc*rowSize : (loc+1)*rowSize]

	switch c.DType {
	case DTypeF16:
		for i, v := range row {
			binary.LittleEndian.PutUint16(dst[i*2:], float16.Fromfloat32(v).Bits())
		}
	case DTypeBF16:
		copy(dst, bfloat16.EncodeFloat32(row))
	default:
		for i, v := range row {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	}
}

func (c *Causal) decode(src []byte, loc int) []float32 {
	rowSize := c.dim * c.DType.Size()
	src = src[loc*rowSize : (loc+1)*rowSize]

	switch c.DType {
	case DTypeF16:
		row := make([]float32, c.dim)
		for i := range row {
			row[i] = float16.Frombits(binary.LittleEndian.Uint16(src[i*2:])).Float32()
		}
		return row
	case DTypeBF16:
		return bfloat16.DecodeFloat32(src)
	default:
		row := make([]float32, c.dim)
		for i := range row {
			row[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
		return row
	}
}

func (c *Causal) CopyPrefix(srcSeq, dstSeq int, len int32) {
	seqRange := newRange()

	for i := range c.cells {
		// Remove the contents of dstSeq so that we only have the copied prefix, metadata will be reset at the end
		if slices.Contains(c.cells[i].sequences, dstSeq) {
			c.cells[i].sequences = slices.DeleteFunc(c.cells[i].sequences, func(s int) bool { return s == dstSeq })
		}

		if slices.Contains(c.cells[i].sequences, srcSeq) && c.cells[i].pos < len {
			c.cells[i].sequences = append(c.cells[i].sequences, dstSeq)
			if i < seqRange.min {
				seqRange.min = i
			}
			if i > seqRange.max {
				seqRange.max = i
			}
		}
	}

	if seqRange == newRange() {
		delete(c.cellRanges, dstSeq)
		return
	}

	c.cellRanges[dstSeq] = seqRange
}

func (c *Causal) shift(seq int, beginIndex, offset int32) error {
	if c.shiftFn == nil {
		return ErrNotSupported
	}

	seqRange := c.cellRanges[seq]
	for i := seqRange.min; i <= seqRange.max; i++ {
		cell := c.cells[i]
		if !slices.Contains(cell.sequences, seq) || cell.pos < beginIndex {
			continue
		}

		for layer, keys := range c.keys {
			key := c.decode(keys, i)
			if err := c.shiftFn(layer, key, offset); err != nil {
				return err
			}
			c.encode(keys, i, key)
		}
	}

	return nil
}

func (c *Causal) Remove(seq int, beginIndex, endIndex int32) error {
	var offset int32
	if endIndex != math.MaxInt32 {
		offset = beginIndex - endIndex
	}

	seqRange := newRange()

	for i := range c.cells {
		if slices.Contains(c.cells[i].sequences, seq) {
			if c.cells[i].pos >= beginIndex && c.cells[i].pos < endIndex {
				c.cells[i].sequences = slices.DeleteFunc(c.cells[i].sequences, func(s int) bool { return s == seq })
			} else {
				if c.cells[i].pos >= endIndex {
					if slices.ContainsFunc(c.cells[i].sequences, func(s int) bool { return s != seq }) {
						return errors.New("shifting cells shared by multiple sequences not supported")
					}

					c.cells[i].pos += offset
				}
				if i < seqRange.min {
					seqRange.min = i
				}
				if i > seqRange.max {
					seqRange.max = i
				}
			}
		}
	}

	if seqRange == newRange() {
		delete(c.cellRanges, seq)
		return nil
	}

	c.cellRanges[seq] = seqRange

	if endIndex != math.MaxInt32 && offset != 0 {
		err := c.shift(seq, endIndex+offset, offset)
		if err != nil {
			return err
		}
	}

	return nil
}

// Len reports the number of cells in use by seq
func (c *Causal) Len(seq int) int {
	seqRange, ok := c.cellRanges[seq]
	if !ok {
		return 0
	}

	var n int
	for i := seqRange.min; i <= seqRange.max; i++ {
		if slices.Contains(c.cells[i].sequences, seq) {
			n++
		}
	}

	return n
}
