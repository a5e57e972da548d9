package config

const (
	kb = 1024
	mb = 1024 * kb
	gb = 1024 * mb
	tb = 1024 * gb
)

// Tunable limits carried over from the reference implementation's sizing
// analysis. The sizes among them that [Config.Magic] folds in change its
// value; nothing compares that value against existing data files.
const (
	// DefaultMaxDatabaseSize bounds the data file's total growth.
	DefaultMaxDatabaseSize int64 = 8 * tb

	// DefaultMaxThreads bounds the number of concurrently open sessions. The
	// session table uses a single 64-bit atomic bitmap to hand out slots, so
	// this cannot exceed 64 without widening that bitmap.
	DefaultMaxThreads uint32 = 64

	// CachelineSize is used to size branching thresholds so hot scans stay
	// within whole cache lines.
	CachelineSize uint32 = 64

	// DefaultIDPageSize is folded into [Config.Magic] and handed to the node
	// metadata table as its maxIDs argument, which the table does not use;
	// the table grows in its own fixed-size blocks.
	DefaultIDPageSize uint32 = 4096

	// DefaultSegmentSize is the size of one L1 segment. Must be a power of
	// two and strictly less than 4 GiB (segment-local offsets are 32-bit).
	DefaultSegmentSize uint32 = 32 * mb

	// MaxSegmentSize is the hard ceiling enforced by the 32-bit segment
	// offset type. It is one past the largest uint32, so it is typed uint64.
	MaxSegmentSize uint64 = 4 * gb

	// MinSegmentSize keeps segments large enough that header overhead and
	// compaction churn remain negligible.
	MinSegmentSize uint32 = 1 * mb

	// DefaultMaxKeyLength bounds key size; raising it past 1024 requires
	// widening prefix-size bitfields in inner nodes.
	DefaultMaxKeyLength uint16 = 1024

	// FullNodeThreshold is the branch count at which a setlist inner node
	// promotes to a full (256-slot) inner node.
	FullNodeThreshold int = 128

	// BinaryRefactorThreshold is the byte size at which a binary leaf node
	// is refactored into a setlist inner node.
	BinaryRefactorThreshold uint64 = 4096

	// BinaryNodeMaxSize is the hard cap on a binary leaf's encoded size (one
	// page).
	BinaryNodeMaxSize uint64 = 4096

	// BinaryNodeMaxKeys bounds the number of entries a binary leaf may hold;
	// must stay below 255 so an entry count fits in a byte with one
	// sentinel value to spare.
	BinaryNodeMaxKeys int = 254

	// BinaryNodeInitialSize is the space reserved for a freshly created
	// binary leaf so small, growing leaves avoid immediate reallocation.
	BinaryNodeInitialSize int = 2048

	// BinaryNodeInitialBranchCap is extra branch-slot headroom reserved on a
	// freshly created binary leaf.
	BinaryNodeInitialBranchCap int = 64

	// DefaultGCQueueSize bounds the number of retired node subtrees the
	// session manager's GC queue holds awaiting reclamation before push
	// blocks the writer.
	DefaultGCQueueSize uint32 = 4096
)

// segmentEmptyThreshold and maxValueSize are derived from DefaultSegmentSize
// rather than independently configurable; see [Config.SegmentEmptyThreshold]
// and [Config.MaxValueSize].
