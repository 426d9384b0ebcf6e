package types

// XAuthFamily is the protocol family field of an X authority record.
type XAuthFamily uint16

const (
	XAuthFamilyInternet  XAuthFamily = 0
	XAuthFamilyInternet6 XAuthFamily = 6
	XAuthFamilyLocal     XAuthFamily = 256
	XAuthFamilyWild      XAuthFamily = 65535
)

// XAuthWriteMode selects how a record is merged into an authority file.
type XAuthWriteMode int

const (
	// XAuthReplace reads the existing file and replaces the record
	// matching (family, address, number), appending if absent.
	XAuthReplace XAuthWriteMode = iota
	// XAuthRemove deletes the matching record.
	XAuthRemove
	// XAuthSet skips the existing file and writes only this record.
	XAuthSet
)
