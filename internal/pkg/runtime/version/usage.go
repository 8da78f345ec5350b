package version

// Privilege is the access level of a consuming operation.
type Privilege uint8

const (
	NoAccess Privilege = iota
	ReadOnly
	ReadWrite
	WriteDiscard
	Reduce
)

// Usage encodes how an operation accesses the fields it requested.
type Usage struct {
	Privilege   Privilege `json:"privilege"`
	Exclusive   bool      `json:"exclusive"`
	ReductionOp uint64    `json:"redop,omitempty"`
}

func (u Usage) IsRead() bool {
	return u.Privilege == ReadOnly || u.Privilege == ReadWrite
}

func (u Usage) IsWrite() bool {
	return u.Privilege == ReadWrite || u.Privilege == WriteDiscard
}

func (u Usage) IsReduce() bool {
	return u.Privilege == Reduce
}

func (u Usage) String() string {
	switch u.Privilege {
	case ReadOnly:
		return "read"
	case ReadWrite:
		return "read-write"
	case WriteDiscard:
		return "write-discard"
	case Reduce:
		return "reduce"
	default:
		return "no-access"
	}
}
