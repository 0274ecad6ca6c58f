// Package types holds the plain-data structures shared across goldboot's
// build pipeline: the recipe (Foundry/Element) and the runtime record
// (WorkerState) that tracks one element through the VM driver's state
// machine.
package types

import "time"

// Arch is a target CPU architecture for the VM being built.
type Arch string

const (
	ArchAMD64 Arch = "amd64"
	ArchARM64 Arch = "arm64"
)

// WorkerState is the lifecycle state of a single element's build worker,
// per spec §4.C's state machine.
type WorkerState string

const (
	WorkerCreated             WorkerState = "created"
	WorkerQemuSpawned         WorkerState = "qemu_spawned"
	WorkerVncConnected        WorkerState = "vnc_connected"
	WorkerBootCommandsRunning WorkerState = "boot_commands_running"
	WorkerSshReady            WorkerState = "ssh_ready"
	WorkerProvisioned         WorkerState = "provisioned"
	WorkerShutdown            WorkerState = "shutdown"
	WorkerDone                WorkerState = "done"
	WorkerFatal               WorkerState = "fatal"
	WorkerCleaned             WorkerState = "cleaned"
)

// Source describes where an element's installation medium comes from.
type Source struct {
	// URL is the install medium location. A "file://" prefix (or a bare
	// absolute path) shortcuts the source cache to the local path.
	URL string `json:"url" yaml:"url"`
	// Checksum is "algo:hex", or the literal "none" to disable verification.
	// Supported algorithms: sha1, sha256, sha512.
	Checksum string `json:"checksum" yaml:"checksum"`
}

// Element is one OS recipe within a Foundry. It materializes as exactly one
// QCOW2 via a Worker.
type Element struct {
	Name string `json:"name" yaml:"name"`
	Arch Arch   `json:"arch" yaml:"arch"`

	Source Source `json:"source" yaml:"source"`

	// PreferredSize is the virtual disk size in bytes for the element's
	// QCOW2. Parsed from human strings (e.g. "20GB") by the foundry loader
	// via github.com/docker/go-units.
	PreferredSize int64 `json:"preferred_size" yaml:"preferred_size"`

	Memory int64 `json:"memory" yaml:"memory"` // guest RAM, bytes
	CPUs   int   `json:"cpus" yaml:"cpus"`

	// BootCommands drives the installer's graphical console over VNC.
	BootCommands []BootCommand `json:"boot_commands" yaml:"boot_commands"`

	// Fabricators run over SSH after the installer has booted the target
	// the first time and SSH is reachable.
	Fabricators []FabricatorSpec `json:"fabricators" yaml:"fabricators"`

	// AuxFiles are extra recipe-specific files placed on the auxiliary FAT
	// filesystem alongside host_key/public_key/sshdog (e.g. preseed.cfg).
	AuxFiles map[string][]byte `json:"-" yaml:"-"`

	// TPM requests a swtpm-backed emulated TPM for this element.
	TPM bool `json:"tpm" yaml:"tpm"`
}

// BootCommand is one step of the VNC automation sequence (spec §4.C).
// Op selects which other fields are read: WaitSeconds for wait,
// ScreenHash for wait_screen, ScreenHash and Rect for wait_screen_rect,
// Text for type, none for the single-key ops.
type BootCommand struct {
	Op string `json:"op" yaml:"op"` // wait|wait_screen|wait_screen_rect|type|enter|tab|spacebar|escape|left_super

	WaitSeconds float64 `json:"wait_seconds,omitempty" yaml:"wait_seconds,omitempty"`
	ScreenHash  string  `json:"screen_hash,omitempty"  yaml:"screen_hash,omitempty"` // hex SHA-1
	Rect        *Rect   `json:"rect,omitempty"         yaml:"rect,omitempty"`
	Text        string  `json:"text,omitempty"         yaml:"text,omitempty"`
}

// Rect is a framebuffer sub-rectangle for WaitScreenRect.
type Rect struct {
	Top, Left, Width, Height int
}

// FabricatorSpec is the tagged-variant wire form of a fabricator (§9 design
// note). Exactly one of the typed fields is populated, selected by Type.
type FabricatorSpec struct {
	Type string `json:"type" yaml:"type"` // shell|ansible|hostname|root_password|mirrorlist

	Shell        *ShellFabricator        `json:"shell,omitempty"         yaml:"shell,omitempty"`
	Ansible      *AnsibleFabricator      `json:"ansible,omitempty"       yaml:"ansible,omitempty"`
	Hostname     *HostnameFabricator     `json:"hostname,omitempty"      yaml:"hostname,omitempty"`
	RootPassword *RootPasswordFabricator `json:"root_password,omitempty" yaml:"root_password,omitempty"`
	Mirrorlist   *MirrorlistFabricator   `json:"mirrorlist,omitempty"    yaml:"mirrorlist,omitempty"`
}

type ShellFabricator struct {
	Commands []string          `json:"commands" yaml:"commands"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

type AnsibleFabricator struct {
	PlaybookPath string   `json:"playbook_path" yaml:"playbook_path"`
	ExtraVars    []string `json:"extra_vars,omitempty" yaml:"extra_vars,omitempty"`
}

type HostnameFabricator struct {
	Hostname string `json:"hostname" yaml:"hostname"`
}

type RootPasswordFabricator struct {
	PasswordHash string `json:"password_hash" yaml:"password_hash"`
}

type MirrorlistFabricator struct {
	Mirrors []string `json:"mirrors" yaml:"mirrors"`
}

// Foundry is a complete image recipe: elements plus global output settings.
type Foundry struct {
	Name string `json:"name" yaml:"name"`

	Elements []Element `json:"elements" yaml:"elements"`

	// HeaderEncryption enables password-based encryption of the GBF
	// protected header, config blob, and vault.
	HeaderEncryption bool `json:"header_encryption" yaml:"header_encryption"`
	// ClusterEncryption enables per-cluster AES-256-GCM encryption under
	// the vault's cluster key.
	ClusterEncryption bool `json:"cluster_encryption" yaml:"cluster_encryption"`

	Debug bool `json:"debug" yaml:"debug"`
}

// WorkerRecord is a runtime record shape for one element's build. No
// package here constructs or reports it, and it is not persisted.
type WorkerRecord struct {
	ElementName string      `json:"element_name"`
	State       WorkerState `json:"state"`

	ScratchDir  string `json:"scratch_dir"`
	QcowPath    string `json:"qcow_path"`
	FirmwarePath string `json:"firmware_path"`
	SSHPort     int    `json:"ssh_port"`
	VNCPort     int    `json:"vnc_port"`
	TPMSocket   string `json:"tpm_socket,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Err       string     `json:"err,omitempty"`
}
