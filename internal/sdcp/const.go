package sdcp

// Discovery and invitation triggers sent over UDP.
const (
	DiscoverTrigger = "M99999"
	InviteTrigger   = "M66666"
)

// Network ports used by the printer and by this process.
const (
	DeviceUDPPort     = 3000 // UDP: printer listens for discovery and invitations
	DefaultBrokerPort = 9090 // TCP: preferred broker port offered to the printer
	DefaultFilePort   = 9091 // TCP: preferred file server port
)

// Command ids carried in Data.Cmd of a request envelope.
const (
	CmdGetAttributes   = 0
	CmdGetStatus       = 1
	CmdStartPrint      = 128
	CmdUploadFile      = 256
	CmdSetStatusPeriod = 512
)

// DefaultStatusPeriod is the status push interval requested during the handshake, in ms.
const DefaultStatusPeriod = 5000

// Machine-level status reported in Data.Status.CurrentStatus.
const (
	MachineReady = 0
	MachineBusy  = 1
)

// Print progress reported in Data.Status.PrintInfo.Status.
const (
	PrintIdle       = 0
	PrintExposure   = 2
	PrintRetracting = 3
	PrintLowering   = 4
	PrintComplete   = 16
)

// File transfer state reported in Data.Status.FileTransferInfo.Status.
const (
	TransferIdle    = 0
	TransferActive  = 1
	TransferSuccess = 2
	TransferError   = 3
)

// Topic prefixes used on the broker.
const (
	TopicRequest    = "/sdcp/request/"
	TopicStatus     = "/sdcp/status/"
	TopicAttributes = "/sdcp/attributes/"
)

// UploadExtension is appended to download tokens; the printer expects it in the URL.
const UploadExtension = ".goo"

// MinIdentityLength is the length an identity must exceed before it is adopted
// from inbound traffic. Mainboard ids are shorter than this.
const MinIdentityLength = 16
