package errors

// Convenience constructors for the common failure kinds. Each pins the
// severity and retryability the kind implies, so call sites stay one line.

// TransientIO marks a locked or momentarily unreadable resource. These are
// retried through the deferred operations queue rather than surfaced.
func TransientIO(message string, cause error) *SyncError {
	return &SyncError{
		Kind:      KindTransientIO,
		Severity:  SeverityWarning,
		Message:   message,
		Cause:     cause,
		Retryable: true,
	}
}

// Integrity marks a digest mismatch after download. Never installed; the
// fetch may be retried.
func Integrity(message string) *SyncError {
	return &SyncError{
		Kind:      KindIntegrity,
		Severity:  SeverityError,
		Message:   message,
		Retryable: true,
	}
}

// ManifestEntry marks a malformed manifest entry. The entry is skipped and
// the rest of the manifest is processed.
func ManifestEntry(message string) *SyncError {
	return &SyncError{
		Kind:     KindManifest,
		Severity: SeverityWarning,
		Message:  message,
	}
}

// Unsafe marks a deletion path that violates safety mode.
func Unsafe(message string) *SyncError {
	return &SyncError{
		Kind:     KindUnsafe,
		Severity: SeverityWarning,
		Message:  message,
	}
}

// Corrupt marks an unreadable persisted document. Callers degrade to an
// empty document instead of failing the run.
func Corrupt(message string, cause error) *SyncError {
	return &SyncError{
		Kind:     KindCorrupt,
		Severity: SeverityWarning,
		Message:  message,
		Cause:    cause,
	}
}

// Network marks a transport failure talking to a remote source.
func Network(message string, cause error) *SyncError {
	return &SyncError{
		Kind:      KindNetwork,
		Severity:  SeverityError,
		Message:   message,
		Cause:     cause,
		Retryable: true,
	}
}

// Fatal marks a run-fatal condition (manifest unreadable, store unwritable).
func Fatal(message string, cause error) *SyncError {
	return &SyncError{
		Kind:     KindInternal,
		Severity: SeverityFatal,
		Message:  message,
		Cause:    cause,
	}
}
