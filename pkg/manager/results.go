package manager

import "time"

// ConnectResult describes a newly established session.
type ConnectResult struct {
	ConnectionID string `json:"connection_id"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	Message      string `json:"message"`
}

// TransferResult describes a completed file transfer.
type TransferResult struct {
	ConnectionID string `json:"connection_id"`
	Direction    string `json:"direction"`
	LocalPath    string `json:"local_path"`
	RemotePath   string `json:"remote_path"`
	Bytes        int64  `json:"bytes"`
	Message      string `json:"message"`
}

// DirEntry is one entry in a remote directory listing.
type DirEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

// DirListing is the contents of a remote directory.
type DirListing struct {
	ConnectionID string     `json:"connection_id"`
	Path         string     `json:"path"`
	Entries      []DirEntry `json:"entries"`
}

// DisconnectResult confirms a session teardown.
type DisconnectResult struct {
	ConnectionID string `json:"connection_id"`
	Message      string `json:"message"`
}

// TrustResult confirms a host key was recorded in the trust store.
type TrustResult struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Fingerprint string `json:"fingerprint"`
	Message     string `json:"message"`
}
