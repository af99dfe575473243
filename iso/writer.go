package iso

import (
	"context"
	"strings"
	"time"

	"github.com/quay/zlog"

	"github.com/arcfmt/arcfmt"
	"github.com/arcfmt/arcfmt/internal/fspath"
)

// WriterOpts configures a [Writer].
type WriterOpts struct {
	// Volume is the volume name; "CDROM" when empty.
	Volume string
	// NoJoliet drops the supplementary descriptor and the UTF-16
	// hierarchy copy.
	NoJoliet bool
	// NoRockRidge drops the Rock-Ridge records.
	NoRockRidge bool
}

// AddOpts describes one entry for [Writer.Add].
type AddOpts struct {
	Name  string
	Mtime time.Time
	Attr  uint32
	Size  uint64
}

// dir is one directory's layout state: its own entry data plus the
// entries it contains.
type dir struct {
	info    FileInfo
	nameOff int // file-name part within info.Name
	parent  int
	ifile   int // index of this dir's entry in the parent's files
	files   []FileInfo
}

// Writer is the ISO-9660 write state machine.
//
// All entries are declared up front with [Writer.Add]; a directory must
// be added before anything inside it. Process then emits the volume in
// order — system area, path tables, directory contents, payloads — with
// [Writer.NextFile] starting each payload and one final seek back to the
// descriptor area after [Writer.Finish].
type Writer struct {
	ctx  context.Context
	opts WriterOpts

	state    int
	off      uint64
	dirs     []*dir
	dirsJlt  []*dir
	byName   map[string]int
	idir     int
	ifile    int
	curSize  uint64
	nsectors uint32

	pathtab    tableLayout
	pathtabJlt tableLayout

	out []byte
	err error
}

type tableLayout struct {
	size          uint32
	offLE, offBE  uint32
}

const (
	wDirWait = iota
	wEmpty
	wEmptyVD
	wPathTab
	wPathTabBE
	wPathTabJlt
	wPathTabJltBE
	wDir
	wDirJlt
	wFileNext
	wFile
	wFileDone
	wVolDescSeek
	wVolDescPrim
	wVolDescJlt
	wVolDescTerm
	wDone
	wErr
)

// NewWriter prepares a writer.
func NewWriter(ctx context.Context, opts WriterOpts) *Writer {
	if opts.Volume == "" {
		opts.Volume = "CDROM"
	}
	w := &Writer{
		ctx:    zlog.ContextWithValues(ctx, "component", "iso/Writer"),
		opts:   opts,
		byName: make(map[string]int),
	}
	w.newDir("", 0, 0)
	return w
}

func (w *Writer) newDir(name string, parent, ifile int) *dir {
	d := &dir{parent: parent, ifile: ifile}
	d.info.Name = name
	d.info.Attr = attrDir
	w.byName[name] = len(w.dirs)
	w.dirs = append(w.dirs, d)
	return d
}

// Add declares the next entry. Directories must precede their contents;
// adding "dir/file" without "dir" fails.
func (w *Writer) Add(opts AddOpts) error {
	if w.state != wDirWait {
		return arcfmt.Errf("iso", arcfmt.ErrNotReady, "layout already computed")
	}
	name := fspath.Normalize(opts.Name, fspath.Backslashes|fspath.Simple)
	name = strings.TrimSuffix(name, "/")
	if name == "" {
		return arcfmt.Errf("iso", arcfmt.ErrNameInvalid, "name %q normalizes to nothing", opts.Name)
	}

	path, base := "", name
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		path, base = name[:i], name[i+1:]
	}
	pi, ok := w.byName[path]
	if !ok {
		return arcfmt.Errf("iso", arcfmt.ErrBadStructure, "parent directory of %q not yet added", name)
	}

	if opts.Attr&attrDir != 0 {
		d := w.newDir(name, pi, len(w.dirs[pi].files))
		d.nameOff = 0
		if path != "" {
			d.nameOff = len(path) + 1
		}
	}
	parent := w.dirs[pi]
	parent.files = append(parent.files, FileInfo{
		File: arcfmt.File{
			Name:  base,
			Mtime: opts.Mtime,
			Attr:  opts.Attr,
			Size:  opts.Size,
		},
	})
	return nil
}

// NextFile starts the next payload in layout order: the root's files
// first, then each directory's in the order the directories were added;
// within a directory, files keep their Add order.
func (w *Writer) NextFile() error {
	if w.state != wFileNext {
		w.state = wErr
		return arcfmt.Errf("iso", arcfmt.ErrNotReady, "not between files")
	}
	w.ifile++
	for i := w.idir; i < len(w.dirs); i++ {
		files := w.dirs[i].files
		for k := w.ifile; k < len(files); k++ {
			if files[k].Attr&attrDir == 0 {
				w.idir, w.ifile = i, k
				w.state = wFile
				w.curSize = 0
				return nil
			}
		}
		w.ifile = 0
	}
	w.state = wErr
	return arcfmt.Errf("iso", arcfmt.ErrNotReady, "no more file payloads")
}

// Finish signals that all payloads are written; the descriptor patch
// follows.
func (w *Writer) Finish() error {
	if w.state != wFileNext {
		w.state = wErr
		return arcfmt.Errf("iso", arcfmt.ErrNotReady, "payloads still pending")
	}
	w.state = wVolDescSeek
	return nil
}

// Data returns the chunk produced by the last Data directive.
func (w *Writer) Data() []byte { return w.out }

// Offset is the absolute output position the next chunk must land at
// after a Seek directive.
func (w *Writer) Offset() uint64 { return w.off }

// Err returns the error behind the last Error directive.
func (w *Writer) Err() error { return w.err }

// Close releases writer state.
func (w *Writer) Close() error {
	w.dirs, w.dirsJlt, w.byName = nil, nil, nil
	return nil
}

func (w *Writer) fail(err error) arcfmt.Result {
	w.err = err
	return arcfmt.Error
}

// entFlags are the directory record flags for the given hierarchy.
func (w *Writer) entFlags(joliet bool) int {
	if joliet {
		return entJoliet
	}
	if w.opts.NoRockRidge {
		return 0
	}
	return entRR
}

// dirContentSize computes a directory's content length: self and parent
// records, then each entry, where a record that would straddle a sector
// boundary is pushed to the next one. The result is sector-aligned.
func (w *Writer) dirContentSize(d *dir, root, joliet bool) (uint64, error) {
	flags := w.entFlags(joliet)
	selfFlags := flags
	if root && flags&entRR != 0 {
		selfFlags |= entRRSP
	}
	self := FileInfo{File: arcfmt.File{Name: "\x00", Attr: attrDir}}
	n, err := entSize(&self, selfFlags)
	if err != nil {
		return 0, err
	}
	size := uint64(n)
	self.Name = "\x01"
	if n, err = entSize(&self, flags); err != nil {
		return 0, err
	}
	size += uint64(n)

	sectSize := size
	for i := range d.files {
		n, err := entSize(&d.files[i], flags)
		if err != nil {
			return 0, err
		}
		sectSize += uint64(n)
		if sectSize > Sector {
			size += Sector - (sectSize - uint64(n))
			sectSize = uint64(n)
		}
		size += uint64(n)
	}
	return (size + Sector - 1) &^ (Sector - 1), nil
}

// layoutDirs assigns offsets and sizes to every directory of one
// hierarchy, updating the matching entry in each parent.
func (w *Writer) layoutDirs(dirs []*dir, off *uint64, joliet bool) error {
	for i, d := range dirs {
		size, err := w.dirContentSize(d, i == 0, joliet)
		if err != nil {
			return err
		}
		d.info.Size = size
		d.info.Off = *off
		if i != 0 {
			p := dirs[d.parent]
			p.files[d.ifile].Size = size
			p.files[d.ifile].Off = *off
		}
		*off += size
	}
	return nil
}

// copyDirs clones the hierarchy for the Joliet pass.
func copyDirs(src []*dir) []*dir {
	out := make([]*dir, len(src))
	for i, d := range src {
		c := *d
		c.files = append([]FileInfo(nil), d.files...)
		out[i] = &c
	}
	return out
}

// layoutFiles assigns payload offsets, one sector-aligned run per file,
// in directory order.
func layoutFiles(dirs []*dir, off uint64) {
	for _, d := range dirs {
		for i := range d.files {
			f := &d.files[i]
			if f.Attr&attrDir == 0 {
				f.Off = off
				off += (f.Size + Sector - 1) &^ (Sector - 1)
			}
		}
	}
}

// pathTabSize computes one path table's byte length (unaligned).
func (w *Writer) pathTabSize(dirs []*dir, joliet bool) (uint32, error) {
	var size uint32
	for _, d := range dirs {
		name := d.info.Name[d.nameOff:]
		if name == "" {
			name = "\x00"
		}
		n, err := pathEntSize(name, joliet)
		if err != nil {
			return 0, err
		}
		size += uint32(n)
	}
	return size, nil
}

func alignSector32(n uint32) uint32 { return (n + Sector - 1) &^ uint32(Sector-1) }

// writePathTab renders one path table, sector padded.
func (w *Writer) writePathTab(joliet, bigEndian bool) error {
	dirs := w.dirs
	if joliet {
		dirs = w.dirsJlt
	}
	size, err := w.pathTabSize(dirs, joliet)
	if err != nil {
		return err
	}
	buf := make([]byte, alignSector32(size))
	p := 0
	for _, d := range dirs {
		name := d.info.Name[d.nameOff:]
		if name == "" {
			name = "\x00"
		}
		n, err := putPathEnt(buf[p:], name, uint32(d.info.Off/Sector), uint16(d.parent+1), joliet, bigEndian)
		if err != nil {
			return err
		}
		p += n
	}

	tab := &w.pathtab
	if joliet {
		tab = &w.pathtabJlt
	}
	tab.size = size
	if bigEndian {
		tab.offBE = uint32(w.off / Sector)
	} else {
		tab.offLE = uint32(w.off / Sector)
	}
	w.out = buf
	return nil
}

// writeDir renders one directory's contents.
func (w *Writer) writeDir(joliet bool) error {
	dirs := w.dirs
	if joliet {
		dirs = w.dirsJlt
	}
	d := dirs[w.idir]
	root := w.idir == 0
	w.idir++
	flags := w.entFlags(joliet)

	buf := make([]byte, d.info.Size)
	p := 0

	self := FileInfo{File: arcfmt.File{Name: "\x00", Attr: attrDir, Mtime: d.info.Mtime, Size: d.info.Size}, Off: d.info.Off}
	selfFlags := flags
	if root && flags&entRR != 0 {
		selfFlags |= entRRSP
	}
	n, _, err := entWrite(buf, &self, selfFlags)
	if err != nil {
		return err
	}
	p += n

	par := dirs[d.parent]
	parent := FileInfo{File: arcfmt.File{Name: "\x01", Attr: attrDir, Mtime: par.info.Mtime, Size: par.info.Size}, Off: par.info.Off}
	if n, _, err = entWrite(buf[p:], &parent, flags); err != nil {
		return err
	}
	p += n

	sectSize := p
	for i := range d.files {
		f := &d.files[i]
		n, err := entSize(f, flags)
		if err != nil {
			return err
		}
		sectSize += n
		if sectSize > Sector {
			p += Sector - (sectSize - n)
			sectSize = n
		}
		if n, _, err = entWrite(buf[p:], f, flags); err != nil {
			return err
		}
		p += n
	}
	w.out = buf
	return nil
}

// curFile is the file whose payload is being written.
func (w *Writer) curFile() *FileInfo {
	return &w.dirs[w.idir].files[w.ifile]
}

// Process consumes payload data from *in and returns the next directive.
func (w *Writer) Process(in *[]byte) arcfmt.Result {
	for {
		switch w.state {

		case wDirWait:
			// The entry list is fixed from the first Process call on.
			w.state = wEmpty

		case wEmpty:
			w.out = make([]byte, 16*Sector)
			w.off += uint64(len(w.out))
			w.state = wEmptyVD
			return arcfmt.Data

		case wEmptyVD:
			// Three descriptor sectors are always reserved; without
			// Joliet the terminator follows the primary descriptor and
			// the third sector stays zero.
			w.out = make([]byte, 3*Sector)
			w.off += uint64(len(w.out))

			// Compute the complete layout now: path tables first, then
			// directory contents, then payloads.
			var ptTotal uint64
			size, err := w.pathTabSize(w.dirs, false)
			if err != nil {
				return w.fail(err)
			}
			ptTotal = 2 * uint64(alignSector32(size))
			if !w.opts.NoJoliet {
				w.dirsJlt = copyDirs(w.dirs)
				if size, err = w.pathTabSize(w.dirsJlt, true); err != nil {
					return w.fail(err)
				}
				ptTotal += 2 * uint64(alignSector32(size))
			}

			off := w.off + ptTotal
			if err := w.layoutDirs(w.dirs, &off, false); err != nil {
				return w.fail(err)
			}
			if !w.opts.NoJoliet {
				if err := w.layoutDirs(w.dirsJlt, &off, true); err != nil {
					return w.fail(err)
				}
			}
			layoutFiles(w.dirs, off)
			if !w.opts.NoJoliet {
				layoutFiles(w.dirsJlt, off)
			}
			w.idir = 0
			w.ifile = -1
			w.state = wPathTab
			return arcfmt.Data

		case wPathTab, wPathTabBE, wPathTabJlt, wPathTabJltBE:
			if w.state == wPathTabJlt && w.opts.NoJoliet {
				w.state = wDir
				continue
			}
			joliet := w.state == wPathTabJlt || w.state == wPathTabJltBE
			be := w.state == wPathTabBE || w.state == wPathTabJltBE
			if err := w.writePathTab(joliet, be); err != nil {
				return w.fail(err)
			}
			w.off += uint64(len(w.out))
			w.state++
			return arcfmt.Data

		case wDir, wDirJlt:
			dirs := w.dirs
			if w.state == wDirJlt {
				dirs = w.dirsJlt
			}
			if w.idir == len(dirs) {
				w.idir = 0
				if w.state == wDir && !w.opts.NoJoliet {
					w.state = wDirJlt
					continue
				}
				w.state = wFileNext
				return arcfmt.More
			}
			if err := w.writeDir(w.state == wDirJlt); err != nil {
				return w.fail(err)
			}
			w.off += uint64(len(w.out))
			return arcfmt.Data

		case wFile:
			f := w.curFile()
			n := uint64(len(*in))
			if w.curSize+n > f.Size {
				return w.fail(arcfmt.Errf("iso", arcfmt.ErrBadStructure,
					"payload for %q exceeds declared %d bytes", f.Name, f.Size))
			}
			w.out = *in
			*in = nil
			w.off += n
			w.curSize += n
			if w.curSize == f.Size {
				w.state = wFileDone
			} else if n == 0 {
				return arcfmt.More
			}
			return arcfmt.Data

		case wFileDone:
			w.state = wFileNext
			if w.curSize%Sector != 0 {
				w.out = make([]byte, Sector-w.curSize%Sector)
				w.off += uint64(len(w.out))
				return arcfmt.Data
			}

		case wFileNext:
			return arcfmt.More

		case wVolDescSeek:
			w.nsectors = uint32(w.off / Sector)
			w.off = 16 * Sector
			w.state = wVolDescPrim
			return arcfmt.Seek

		case wVolDescPrim:
			buf := make([]byte, Sector)
			putPrimVolDesc(buf, &primHost{
				typ:         vdPrimary,
				name:        w.opts.Volume,
				rootDirOff:  w.dirs[0].info.Off,
				rootDirSize: w.dirs[0].info.Size,
				volSectors:  w.nsectors,
				pathTblSize: w.pathtab.size,
				pathTblLE:   w.pathtab.offLE,
				pathTblBE:   w.pathtab.offBE,
			})
			w.out = buf
			w.off += Sector
			if w.opts.NoJoliet {
				w.state = wVolDescTerm
			} else {
				w.state = wVolDescJlt
			}
			return arcfmt.Data

		case wVolDescJlt:
			buf := make([]byte, Sector)
			putPrimVolDesc(buf, &primHost{
				typ:         vdSupplement,
				name:        w.opts.Volume,
				rootDirOff:  w.dirsJlt[0].info.Off,
				rootDirSize: w.dirsJlt[0].info.Size,
				volSectors:  w.nsectors,
				pathTblSize: w.pathtabJlt.size,
				pathTblLE:   w.pathtabJlt.offLE,
				pathTblBE:   w.pathtabJlt.offBE,
			})
			w.out = buf
			w.off += Sector
			w.state = wVolDescTerm
			return arcfmt.Data

		case wVolDescTerm:
			buf := make([]byte, Sector)
			putVolDesc(buf, vdTerminator)
			w.out = buf
			w.off += Sector
			w.state = wDone
			zlog.Debug(w.ctx).
				Uint("sectors", uint(w.nsectors)).
				Msg("volume complete")
			return arcfmt.Data

		case wDone:
			return arcfmt.Done

		case wErr:
			return w.fail(arcfmt.Errf("iso", arcfmt.ErrNotReady, "writer in error state"))
		}
	}
}
