// Package config defines the tunable parameters of a triedent database and
// the functional options used to build them, following the same
// WithXxx(OptionFunc) pattern used throughout the retrieval pack.
package config

import (
	"encoding/binary"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/triedentdb/triedent/pkg/tderrors"
)

// ChecksumPolicy selects when a node's checksum is (re)computed. Exactly one
// policy is active; the three are defined so only one can be true at a time.
type ChecksumPolicy int

const (
	// ChecksumOnModify recomputes the checksum on every in-place or
	// clone-then-free mutation. Safest, slowest.
	ChecksumOnModify ChecksumPolicy = iota

	// ChecksumOnMsync defers the checksum until a segment is flushed,
	// guaranteeing data at rest always carries a valid checksum without
	// per-write cost. This is the recommended production default.
	ChecksumOnMsync

	// ChecksumOnCompact defers the checksum until a node is relocated by
	// compaction.
	ChecksumOnCompact
)

// Config holds every tunable of a triedent database. [Config.Magic] folds the
// format-affecting fields into one word, but the engine neither stores that
// word nor compares it on open, so opening existing data files with a Config
// that differs in those fields is not detected.
type Config struct {
	DataDir string

	MaxDatabaseSize int64
	MaxThreads      uint32
	CachelineSize   uint32
	IDPageSize      uint32
	SegmentSize     uint32
	MaxKeyLength    uint16

	FullNodeThreshold       int
	BinaryRefactorThreshold uint64
	BinaryNodeMaxSize       uint64
	BinaryNodeMaxKeys       int
	BinaryNodeInitialSize   int
	BinaryNodeInitialBranch int

	// GCQueueSize bounds the session manager's retirement ring buffer.
	GCQueueSize uint32

	Checksum ChecksumPolicy

	// ValidateChecksumOnRecover re-verifies every live node's checksum
	// during startup recovery. Corresponds to recover_args.validate_checksum.
	ValidateChecksumOnRecover bool

	// RecoverUnsynced accepts bytes written past the last durable msync
	// boundary on restart, at the risk of replaying a torn write.
	// Corresponds to recover_args.recover_unsync.
	RecoverUnsynced bool
}

// Option mutates a [Config] being built by [New].
type Option func(*Config)

// New builds a Config from defaults, applying opts in order. Options that
// receive an out-of-range value leave the field unchanged rather than
// panicking, mirroring the defensive WithXxx style used throughout the
// pack's options packages.
func New(dataDir string, opts ...Option) Config {
	cfg := Default(dataDir)
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Default returns the reference implementation's tuning, rooted at dataDir.
func Default(dataDir string) Config {
	return Config{
		DataDir: strings.TrimSpace(dataDir),

		MaxDatabaseSize: DefaultMaxDatabaseSize,
		MaxThreads:      DefaultMaxThreads,
		CachelineSize:   CachelineSize,
		IDPageSize:      DefaultIDPageSize,
		SegmentSize:     DefaultSegmentSize,
		MaxKeyLength:    DefaultMaxKeyLength,

		FullNodeThreshold:       FullNodeThreshold,
		BinaryRefactorThreshold: BinaryRefactorThreshold,
		BinaryNodeMaxSize:       BinaryNodeMaxSize,
		BinaryNodeMaxKeys:       BinaryNodeMaxKeys,
		BinaryNodeInitialSize:   BinaryNodeInitialSize,
		BinaryNodeInitialBranch: BinaryNodeInitialBranchCap,

		GCQueueSize: DefaultGCQueueSize,

		Checksum: ChecksumOnMsync,
	}
}

// WithSegmentSize overrides the L1 segment size. Must be a power of two, at
// least [MinSegmentSize] and strictly below [MaxSegmentSize].
func WithSegmentSize(size uint32) Option {
	return func(c *Config) {
		if size >= MinSegmentSize && uint64(size) < MaxSegmentSize && size&(size-1) == 0 {
			c.SegmentSize = size
		}
	}
}

// WithMaxThreads overrides the session slot count. Must fit the 64-bit
// session allocation bitmap.
func WithMaxThreads(n uint32) Option {
	return func(c *Config) {
		if n > 0 && n <= 64 {
			c.MaxThreads = n
		}
	}
}

// WithMaxKeyLength overrides the key size cap; values above 1024 are
// rejected because prefix-size bitfields in inner nodes assume it.
func WithMaxKeyLength(n uint16) Option {
	return func(c *Config) {
		if n > 0 && n <= 1024 {
			c.MaxKeyLength = n
		}
	}
}

// WithChecksumPolicy overrides the checksum policy.
func WithChecksumPolicy(p ChecksumPolicy) Option {
	return func(c *Config) { c.Checksum = p }
}

// WithRecoverArgs overrides startup recovery behavior.
func WithRecoverArgs(validateChecksum, recoverUnsynced bool) Option {
	return func(c *Config) {
		c.ValidateChecksumOnRecover = validateChecksum
		c.RecoverUnsynced = recoverUnsynced
	}
}

// SegmentEmptyThreshold returns the freed-byte count above which a sealed
// segment becomes a compaction candidate: half the segment size.
func (c Config) SegmentEmptyThreshold() uint64 {
	return uint64(c.SegmentSize) / 2
}

// MaxValueSize returns the largest value payload a single node may hold:
// half the segment size.
func (c Config) MaxValueSize() uint64 {
	return uint64(c.SegmentSize) / 2
}

// Validate rejects a Config whose sizes or thresholds are inconsistent,
// catching the same invariants the reference
// implementation enforces with static_asserts at compile time.
func (c Config) Validate() error {
	if c.SegmentSize == 0 || c.SegmentSize&(c.SegmentSize-1) != 0 {
		return tderrors.NewConfigError(tderrors.ErrInvalidInput, tderrors.CodeInvalidInput,
			"segment size must be a power of two").WithField("SegmentSize").WithProvided(c.SegmentSize)
	}
	if uint64(c.SegmentSize) >= MaxSegmentSize {
		return tderrors.NewConfigError(tderrors.ErrInvalidInput, tderrors.CodeInvalidInput,
			"segment size must be < 4GiB").WithField("SegmentSize").WithProvided(c.SegmentSize)
	}
	if c.BinaryRefactorThreshold > c.BinaryNodeMaxSize {
		return tderrors.NewConfigError(tderrors.ErrInvalidInput, tderrors.CodeInvalidInput,
			"binary refactor threshold must be <= binary node max size").WithField("BinaryRefactorThreshold")
	}
	if c.BinaryNodeMaxKeys >= 255 {
		return tderrors.NewConfigError(tderrors.ErrInvalidInput, tderrors.CodeInvalidInput,
			"binary node max keys must be < 255").WithField("BinaryNodeMaxKeys")
	}
	if c.MaxThreads == 0 || c.MaxThreads > 64 {
		return tderrors.NewConfigError(tderrors.ErrInvalidInput, tderrors.CodeInvalidInput,
			"max threads must be in [1,64]").WithField("MaxThreads").WithProvided(c.MaxThreads)
	}
	return nil
}

// Magic folds the fields that two databases must agree on into a single
// 32-bit word, following the reference implementation's file_magic
// (an xxh32 hash of its config_state struct). Here the hashing is done with
// xxhash64, folded to 32 bits by XORing its two halves, so the engine can share one checksum
// implementation for both node checksums and the compatibility magic rather
// than importing a second hash algorithm purely for this one word.
func (c Config) Magic() uint32 {
	var buf [40]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(c.MaxDatabaseSize))
	binary.LittleEndian.PutUint32(buf[8:12], c.MaxThreads)
	binary.LittleEndian.PutUint32(buf[12:16], c.CachelineSize)
	binary.LittleEndian.PutUint32(buf[16:20], c.IDPageSize)
	binary.LittleEndian.PutUint32(buf[20:24], c.SegmentSize)
	binary.LittleEndian.PutUint16(buf[24:26], c.MaxKeyLength)
	sum := xxhash.Sum64(buf[:26])
	return uint32(sum) ^ uint32(sum>>32)
}
