package sevenz

import (
	"github.com/arcfmt/arcfmt"
)

// blockSpec describes one block kind a nesting level accepts. The
// grammar is static data; the parser walks it with an explicit stack
// rather than recursion.
type blockSpec struct {
	id       uint64
	required bool
	multi    bool
	sized    bool // a varint byte count precedes the block body
	prio     int  // nonzero blocks must appear in ascending priority
	children []blockSpec
	enter    handler // runs on entering a block with children
	handle   handler // runs on a leaf block's body
}

type handler func(m *meta, c *cursor) error

// Grammar tables. Assigned in init to allow the cycles.
var (
	ctxTop        []blockSpec
	hdrCtx        []blockSpec
	stminfoCtx    []blockSpec
	packinfoCtx   []blockSpec
	unpackinfoCtx []blockSpec
	substminfoCtx []blockSpec
	fileinfoCtx   []blockSpec
)

func init() {
	packinfoCtx = []blockSpec{
		{id: idSize, required: true, handle: readPackSizes},
	}
	unpackinfoCtx = []blockSpec{
		{id: idFolder, prio: 1, handle: readFolders},
		{id: idUnPackSize, prio: 2, handle: readUnpackSizes},
		{id: idCRC, handle: readFolderCRCs},
	}
	substminfoCtx = []blockSpec{
		{id: idNumUnPackStream, prio: 1, handle: readNumUnpackStreams},
		{id: idSize, prio: 2, handle: readFileSizes},
		{id: idCRC, handle: readFileCRCs},
	}
	stminfoCtx = []blockSpec{
		{id: idPackInfo, required: true, prio: 1, children: packinfoCtx, enter: readPackInfo},
		{id: idUnPackInfo, required: true, prio: 2, children: unpackinfoCtx},
		{id: idSubStreamsInfo, prio: 3, children: substminfoCtx},
	}
	fileinfoCtx = []blockSpec{
		{id: idEmptyStream, sized: true, prio: 1, handle: readEmptyStreams},
		{id: idEmptyFile, sized: true, prio: 2, handle: skipBlock},
		{id: idName, required: true, sized: true, handle: readNames},
		{id: idMTime, sized: true, handle: readMTimes},
		{id: idWinAttributes, sized: true, handle: readWinAttrs},
		{id: idDummy, sized: true, multi: true, handle: skipBlock},
	}
	hdrCtx = []blockSpec{
		{id: idAdditionalStreams, children: stminfoCtx},
		{id: idMainStreamsInfo, required: true, prio: 1, children: stminfoCtx},
		{id: idFilesInfo, prio: 2, children: fileinfoCtx, enter: readFilesInfo},
	}
	ctxTop = []blockSpec{
		{id: idHeader, children: hdrCtx},
		{id: idEncodedHeader, children: stminfoCtx},
	}
}

// frame is one level of the parser's context stack.
type frame struct {
	id       uint64
	used     uint32
	prio     int
	children []blockSpec
}

// blockParser consumes a complete metadata window against the grammar.
type blockParser struct {
	stack [maxBlockDepth]frame
	depth int
	m     *meta
}

func newBlockParser(m *meta) *blockParser {
	p := &blockParser{m: m}
	p.stack[0].children = ctxTop
	return p
}

// find locates id among the current frame's children, enforcing the
// duplicate and ordering rules.
func (p *blockParser) find(id uint64) (*blockSpec, error) {
	fr := &p.stack[p.depth]
	for i := range fr.children {
		blk := &fr.children[i]
		if blk.id != id {
			continue
		}
		if fr.used&(1<<i) != 0 && !blk.multi {
			return nil, arcfmt.Errf("7z", arcfmt.ErrBadStructure, "duplicate block %#x", id)
		}
		fr.used |= 1 << i
		if blk.prio != 0 {
			if blk.prio > fr.prio+1 {
				return nil, arcfmt.Errf("7z", arcfmt.ErrBadStructure, "block %#x out of order", id)
			}
			fr.prio = blk.prio
		}
		return blk, nil
	}
	return nil, arcfmt.Errf("7z", arcfmt.ErrBadStructure, "unknown block %#x", id)
}

// checkRequired verifies the closing frame saw every required child.
func (p *blockParser) checkRequired() error {
	fr := &p.stack[p.depth]
	for i := range fr.children {
		if fr.children[i].required && fr.used&(1<<i) == 0 {
			return arcfmt.Errf("7z", arcfmt.ErrBadStructure, "missing required block %#x", fr.children[i].id)
		}
	}
	return nil
}

// step consumes one block from the cursor. It returns the id of a block
// level that just closed (idEnd marker handled internally), or
// blockOpen/blockEOF.
const (
	blockOpen = -1
	blockEOF  = -2
)

func (p *blockParser) step(c *cursor) (int, error) {
	if len(c.b) == 0 {
		if p.depth != 0 {
			return 0, arcfmt.Errf("7z", arcfmt.ErrTruncated, "metadata ends inside a block")
		}
		return blockEOF, nil
	}
	id, err := c.readInt()
	if err != nil {
		return 0, err
	}

	if id == idEnd {
		if err := p.checkRequired(); err != nil {
			return 0, err
		}
		done := p.stack[p.depth].id
		p.stack[p.depth] = frame{}
		p.depth--
		if p.depth < 0 {
			return 0, arcfmt.Errf("7z", arcfmt.ErrBadStructure, "unbalanced end block")
		}
		return int(done), nil
	}

	blk, err := p.find(id)
	if err != nil {
		return 0, err
	}
	if p.depth+1 >= maxBlockDepth {
		return 0, arcfmt.Errf("7z", arcfmt.ErrBadStructure, "blocks nested too deep")
	}

	body := c
	var window cursor
	if blk.sized {
		size, err := c.readInt()
		if err != nil {
			return 0, err
		}
		if uint64(len(c.b)) < size {
			return 0, arcfmt.Errf("7z", arcfmt.ErrTruncated, "block %#x runs past metadata", id)
		}
		window.b = c.b[:size]
		c.b = c.b[size:]
		body = &window
	}

	if blk.children != nil {
		p.depth++
		p.stack[p.depth] = frame{id: id, children: blk.children}
		if blk.enter != nil {
			if err := blk.enter(p.m, body); err != nil {
				return 0, err
			}
		}
		return blockOpen, nil
	}

	if err := blk.handle(p.m, body); err != nil {
		return 0, err
	}
	return blockOpen, nil
}
