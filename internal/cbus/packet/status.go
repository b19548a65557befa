package packet

const (
	statusRequestBinary = 0x7A
	statusRequestLevel  = 0xFA
)

// StatusBlockSize is the fixed group-count a single status request covers.
const StatusBlockSize = 32

// StatusRequestSAL asks the network for the state of a StatusBlockSize-group
// block of a child application. LevelRequest selects a level report instead
// of a binary on/off report.
type StatusRequestSAL struct {
	App          Application
	GroupStart   byte
	GroupCount   byte
	LevelRequest bool
}

func (StatusRequestSAL) salApplication() Application { return StatusRequest }
