package common

const BridgeVersion = "0.4.2"
const UserAgent = "DicomBridge/" + BridgeVersion

// Implementation identification returned to peers in the A-ASSOCIATE-AC user
// information items. The class UID is registered under the OpenRad root OID.
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.10.1099.1"
	ImplementationVersionName = "DCMBRIDGE_042"
)
