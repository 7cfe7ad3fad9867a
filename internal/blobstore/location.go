package blobstore

// Storage mode tags as persisted on memory rows.
const (
	StorageRemote = "remote"
	StorageLocal  = "local"
	StorageLegacy = "legacy"
)

// AudioLocation is the closed set of places audio bytes can live. Using
// a sealed variant keeps resolver branching exhaustive instead of
// comparing string tags scattered across callers.
type AudioLocation interface {
	Mode() string
}

// RemoteAudio is an object in the primary remote store, addressed by
// its public id.
type RemoteAudio struct {
	PublicID string
}

func (RemoteAudio) Mode() string { return StorageRemote }

// LocalAudio is a file on the server's local uploads directory, written
// by the fallback path.
type LocalAudio struct {
	FileName string
}

func (LocalAudio) Mode() string { return StorageLocal }

// LegacyAudio is a raw URL predating the storage-mode abstraction.
type LegacyAudio struct {
	URL string
}

func (LegacyAudio) Mode() string { return StorageLegacy }
