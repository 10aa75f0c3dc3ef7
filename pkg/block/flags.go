package block

// OpenFlags is the legacy bit-flag interface to open options. Flags and the
// options map describe overlapping state; Options always win when both are
// given (see fillOptions).
type OpenFlags uint32

const (
	// FlagReadWrite opens the image writable. Absent means read-only.
	FlagReadWrite OpenFlags = 1 << iota

	// FlagWriteCache enables write-back caching (cache.writeback=on).
	FlagWriteCache

	// FlagNoCache bypasses the host page cache (cache.direct=on).
	FlagNoCache

	// FlagNoFlush suppresses flushes to disk (cache.no-flush=on).
	FlagNoFlush

	// FlagSnapshot requests a temporary snapshot: the named image becomes
	// the backing file of an anonymous temporary overlay.
	FlagSnapshot

	// FlagTemporary marks a node as a temporary overlay created for
	// FlagSnapshot. The image file is deleted on close.
	FlagTemporary

	// FlagNoBacking suppresses opening the backing child.
	FlagNoBacking

	// FlagProtocol restricts driver selection to protocol drivers and
	// suppresses the implicit "file" child.
	FlagProtocol

	// FlagCopyOnRead populates the top layer from the backing chain on
	// reads. Always stays on the active layer.
	FlagCopyOnRead

	// FlagUnmap allows the driver to discard unwritten clusters.
	FlagUnmap

	// FlagAllowReadWrite records that the node may later be reopened
	// writable even if currently read-only.
	FlagAllowReadWrite
)

// Option keys shared between the options map and flag translation.
const (
	OptDriver       = "driver"
	OptFilename     = "filename"
	OptNodeName     = "node-name"
	OptReadOnly     = "read-only"
	OptCacheWB      = "cache.writeback"
	OptCacheDirect  = "cache.direct"
	OptCacheNoFlush = "cache.no-flush"
	OptBacking      = "backing"
)

// has reports whether all bits in mask are set.
func (f OpenFlags) has(mask OpenFlags) bool {
	return f&mask == mask
}

// tempSnapshotFlags returns the flags a temporary snapshot overlay gets,
// based on the flags originally requested for the image underneath it.
func tempSnapshotFlags(flags OpenFlags) OpenFlags {
	return (flags &^ FlagSnapshot) | FlagTemporary
}

// openFlagsForDriver masks out the flags that are internal to the block
// layer before handing the rest to a driver. Temporary snapshots must be
// writable regardless of how the chain below them was opened.
func openFlagsForDriver(flags OpenFlags) OpenFlags {
	open := (flags | FlagWriteCache) &^ (FlagSnapshot | FlagNoBacking | FlagProtocol)
	if flags.has(FlagTemporary) {
		open |= FlagReadWrite
	}
	return open
}

// updateOptionsFromFlags translates the flag-carried cache settings into
// options, without overwriting options that are already present.
// Read-only state travels in flags only: were it an option, a child's
// stale effective value would override the flags its role derives on
// reopen.
func updateOptionsFromFlags(opts Options, flags OpenFlags) {
	opts.setDefault(OptCacheDirect, flags.has(FlagNoCache))
	opts.setDefault(OptCacheNoFlush, flags.has(FlagNoFlush))
	opts.setDefault(OptCacheWB, flags.has(FlagWriteCache))
}

// updateFlagsFromOptions folds the generic cache options back into flags
// and removes them from the map. The inverse of updateOptionsFromFlags.
func updateFlagsFromOptions(flags OpenFlags, opts Options) (OpenFlags, error) {
	set := func(flag OpenFlags, on bool) {
		if on {
			flags |= flag
		} else {
			flags &^= flag
		}
	}
	if v, ok, err := opts.takeBool(OptCacheWB); err != nil {
		return flags, err
	} else if ok {
		set(FlagWriteCache, v)
	}
	if v, ok, err := opts.takeBool(OptCacheDirect); err != nil {
		return flags, err
	} else if ok {
		set(FlagNoCache, v)
	}
	if v, ok, err := opts.takeBool(OptCacheNoFlush); err != nil {
		return flags, err
	} else if ok {
		set(FlagNoFlush, v)
	}
	return flags, nil
}
