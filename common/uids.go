package common

// DICOM UIDs the core needs by name.
const (
	ApplicationContextName = "1.2.840.10008.3.1.1.1"

	// Transfer syntaxes
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"

	// Verification (C-ECHO) SOP class
	SOPClassVerification = "1.2.840.10008.1.1"
)
