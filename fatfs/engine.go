package fatfs

import (
	"github.com/sirupsen/logrus"

	"github.com/dargueta/kfsd/block"
	"github.com/dargueta/kfsd/errors"
)

// Handle is the Open handle locator for FAT (spec section 3): first
// cluster plus size.
type Handle struct {
	FirstCluster ClusterID
	Size         uint64
	IsDir        bool

	// cachedIndex/cachedCluster implement the sequential-read optimization
	// spec section 4.3 permits: the last logical cluster index resolved for
	// this handle, so sequential reads don't rewalk the chain from the
	// start every call.
	cachedIndex   int64
	cachedCluster ClusterID
}

// Engine mounts a single FAT volume and answers path/stat/read requests.
type Engine struct {
	conn    *block.Connection
	profile *Profile
	log     *logrus.Entry
}

func Mount(conn *block.Connection, log *logrus.Entry) (*Engine, error) {
	profile, err := DetectProfile(conn)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{"component": "fatfs", "dialect": profile.Dialect.String()})
	log.WithField("bytes_per_cluster", profile.BytesPerCluster()).Info("mounted fat volume")

	return &Engine{conn: conn, profile: profile, log: log}, nil
}

func (e *Engine) Profile() *Profile { return e.profile }

func (e *Engine) Open(path string) (*Handle, error) {
	entry, err := Resolve(e.conn, e.profile, path)
	if err != nil {
		return nil, err
	}
	return &Handle{
		FirstCluster:  entry.FirstCluster,
		Size:          entry.Size,
		IsDir:         entry.IsDir,
		cachedIndex:   -1,
	}, nil
}

// ReadAt reads up to len(buf) bytes from h at file-relative offset off, per
// spec section 4.3's read path.
func (e *Engine) ReadAt(h *Handle, off uint64, buf []byte) (int, error) {
	if h.IsDir {
		return 0, errors.ErrInvalidArgs.WithMessage("cannot read a directory as a file")
	}
	if off >= h.Size {
		return 0, nil
	}
	remaining := h.Size - off
	if uint64(len(buf)) > remaining {
		buf = buf[:remaining]
	}

	clusterBytes := e.profile.BytesPerCluster()
	total := 0
	for total < len(buf) {
		absOff := off + uint64(total)
		clusterIndex := absOff / clusterBytes
		intraOffset := absOff % clusterBytes

		cluster, err := e.resolveClusterIndex(h, clusterIndex)
		if err != nil {
			return total, err
		}

		toCopy := buf[total:]
		if uint64(len(toCopy)) > clusterBytes-intraOffset {
			toCopy = toCopy[:clusterBytes-intraOffset]
		}

		deviceOff := ClusterToSector(e.profile, cluster)*uint64(e.profile.BytesPerSector) + intraOffset
		if _, err := e.conn.ReadOffset(deviceOff, toCopy); err != nil {
			return total, err
		}
		total += len(toCopy)
	}
	return total, nil
}

func (e *Engine) resolveClusterIndex(h *Handle, index uint64) (ClusterID, error) {
	if h.cachedIndex >= 0 && uint64(h.cachedIndex) == index {
		return h.cachedCluster, nil
	}

	var cluster ClusterID
	var err error
	if h.cachedIndex >= 0 && index > uint64(h.cachedIndex) {
		cluster, err = clusterAt(e.conn, e.profile, h.cachedCluster, index-uint64(h.cachedIndex))
	} else {
		cluster, err = clusterAt(e.conn, e.profile, h.FirstCluster, index)
	}
	if err != nil {
		return 0, err
	}
	h.cachedIndex = int64(index)
	h.cachedCluster = cluster
	return cluster, nil
}

// Stat reports the FAT-specific subset of fields the dispatcher needs.
type Stat struct {
	Size  uint64
	IsDir bool
}

func (e *Engine) Stat(h *Handle) Stat {
	return Stat{Size: h.Size, IsDir: h.IsDir}
}

// Rename, Mkdir, and directory enumeration are explicitly out of scope for
// FAT per spec section 1's Non-goals.
func (e *Engine) Rename(string, string) error  { return errors.ErrNotImplemented }
func (e *Engine) Mkdir(string, uint32) error   { return errors.ErrNotImplemented }
func (e *Engine) ReadDir(string) error         { return errors.ErrNotSupported }
