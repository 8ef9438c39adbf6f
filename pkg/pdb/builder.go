package pdb

import (
	"bytes"
	"encoding/binary"
	"io"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/jtang613/pdbsynth/pkg/errs"
	"github.com/jtang613/pdbsynth/pkg/pdb/msf"
	"github.com/jtang613/pdbsynth/pkg/pdb/streams"
)

// Named streams every file carries.
const (
	NamedStreamNames    = "/names"
	NamedStreamLinkInfo = "/LinkInfo"
)

// FileBuilder assembles a complete PDB from its stream builders.
type FileBuilder struct {
	msf     *msf.Builder
	info    *streams.InfoBuilder
	dbi     *streams.DBIBuilder
	tpi     *streams.TPIBuilder
	ipi     *streams.TPIBuilder
	gsi     *streams.GSIBuilder
	strings *streams.StringTableBuilder

	initialized bool
	committed   bool
}

// NewFileBuilder returns a builder that must be initialized before use.
func NewFileBuilder() *FileBuilder {
	return &FileBuilder{
		msf:     msf.NewBuilder(),
		info:    streams.NewInfoBuilder(),
		dbi:     streams.NewDBIBuilder(),
		tpi:     streams.NewTPIBuilder(),
		ipi:     streams.NewTPIBuilder(),
		gsi:     streams.NewGSIBuilder(),
		strings: streams.NewStringTableBuilder(),
	}
}

// Initialize fixes the block size and reserves the fixed streams: the old
// directory, Info, TPI, DBI and IPI, in that order.
func (b *FileBuilder) Initialize(blockSize uint32) error {
	if err := b.msf.Initialize(blockSize); err != nil {
		return err
	}
	for i := 0; i <= StreamIPI; i++ {
		if _, err := b.msf.AddStream(0); err != nil {
			return err
		}
	}
	b.initialized = true
	return nil
}

func (b *FileBuilder) Msf() *msf.Builder                   { return b.msf }
func (b *FileBuilder) Info() *streams.InfoBuilder          { return b.info }
func (b *FileBuilder) Dbi() *streams.DBIBuilder            { return b.dbi }
func (b *FileBuilder) Tpi() *streams.TPIBuilder            { return b.tpi }
func (b *FileBuilder) Ipi() *streams.TPIBuilder            { return b.ipi }
func (b *FileBuilder) Gsi() *streams.GSIBuilder            { return b.gsi }
func (b *FileBuilder) Strings() *streams.StringTableBuilder { return b.strings }

// Commit serializes the file and writes it to path atomically: the image
// goes to a temporary file next to path which is renamed over path only
// once it is complete. It returns the GUID written to the Info stream.
func (b *FileBuilder) Commit(fs afero.Fs, path string) (streams.GUID, error) {
	var buf bytes.Buffer
	guid, err := b.commit(&buf)
	if err != nil {
		return streams.GUID{}, err
	}
	if err := writeFileAtomic(fs, path, buf.Bytes()); err != nil {
		return streams.GUID{}, err
	}
	return guid, nil
}

// Bytes serializes the file into memory.
func (b *FileBuilder) Bytes() ([]byte, streams.GUID, error) {
	var buf bytes.Buffer
	guid, err := b.commit(&buf)
	if err != nil {
		return nil, streams.GUID{}, err
	}
	return buf.Bytes(), guid, nil
}

func (b *FileBuilder) commit(w io.Writer) (streams.GUID, error) {
	if !b.initialized {
		return streams.GUID{}, errs.NewStateError("Commit", "builder not initialized")
	}
	if b.committed {
		return streams.GUID{}, errs.NewStateError("Commit", "builder already committed")
	}
	b.committed = true

	if err := b.finalize(); err != nil {
		return streams.GUID{}, err
	}
	if _, err := b.msf.Commit(w); err != nil {
		return streams.GUID{}, err
	}
	return b.info.GUID(), nil
}

// finalize allocates the dynamic streams and fills every stream: named
// streams, TPI and IPI hash streams, module and debug streams, then the
// GSI streams.
func (b *FileBuilder) finalize() error {
	namesStream, err := b.msf.AddStream(0)
	if err != nil {
		return err
	}
	linkInfoStream, err := b.msf.AddStream(0)
	if err != nil {
		return err
	}
	b.info.NamedStreams().Set(NamedStreamNames, namesStream)
	b.info.NamedStreams().Set(NamedStreamLinkInfo, linkInfoStream)

	if err := b.tpi.Commit(b.msf, StreamTPI); err != nil {
		return errors.Wrap(err, "failed to commit TPI stream")
	}
	if err := b.ipi.Commit(b.msf, StreamIPI); err != nil {
		return errors.Wrap(err, "failed to commit IPI stream")
	}
	if err := b.dbi.FinalizeLayout(b.msf); err != nil {
		return errors.Wrap(err, "failed to lay out DBI streams")
	}

	globals, publics, symRecords, err := b.gsi.Commit(b.msf)
	if err != nil {
		return errors.Wrap(err, "failed to commit GSI streams")
	}
	b.dbi.SetGSIStreams(globals, publics, symRecords)
	if err := b.dbi.Commit(b.msf, StreamDBI); err != nil {
		return errors.Wrap(err, "failed to commit DBI stream")
	}

	if err := b.msf.SetStreamData(namesStream, b.strings.Bytes()); err != nil {
		return err
	}

	if b.info.HashPDBContentsToGUID() {
		if err := b.hashContentsToGUID(); err != nil {
			return err
		}
	}
	info, err := b.info.Bytes()
	if err != nil {
		return errors.Wrap(err, "failed to serialize info stream")
	}
	return b.msf.SetStreamData(StreamPDB, info)
}

// hashContentsToGUID derives the GUID and signature from every stream
// except Info, which is still empty at this point.
func (b *FileBuilder) hashContentsToGUID() error {
	chunks := make([][]byte, 0, 2*b.msf.NumStreams())
	for i := 0; i < b.msf.NumStreams(); i++ {
		if i == StreamPDB {
			continue
		}
		data, err := b.msf.StreamData(uint32(i))
		if err != nil {
			return err
		}
		var size [4]byte
		binary.LittleEndian.PutUint32(size[:], uint32(len(data)))
		chunks = append(chunks, size[:], data)
	}
	guid := streams.HashToGUID(chunks...)
	b.info.SetGUID(guid)
	b.info.SetSignature(binary.LittleEndian.Uint32(guid[:4]))
	return nil
}

func writeFileAtomic(fs afero.Fs, path string, data []byte) (err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := afero.TempFile(fs, dir, "."+base+".tmp-")
	if err != nil {
		return errs.NewIOError("create", path, err)
	}
	tmpName := tmp.Name()
	closed := false

	defer func() {
		if err == nil {
			return
		}
		result := multierror.Append(nil, err)
		if !closed {
			if cerr := tmp.Close(); cerr != nil {
				result = multierror.Append(result, cerr)
			}
		}
		if rerr := fs.Remove(tmpName); rerr != nil {
			result = multierror.Append(result, errors.Wrap(rerr, "failed to remove temporary file"))
		}
		err = result.ErrorOrNil()
	}()

	if _, err := tmp.Write(data); err != nil {
		return errs.NewIOError("write", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		return errs.NewIOError("sync", tmpName, err)
	}
	closed = true
	if err := tmp.Close(); err != nil {
		return errs.NewIOError("close", tmpName, err)
	}
	if err := fs.Rename(tmpName, path); err != nil {
		return errs.NewIOError("rename", path, err)
	}
	return nil
}
