package bitmapstore

// Database Key Namespace
// ======================
//
// Data Type         Prefix   Key Format                 Value Type
// =================================================================
// Bitmap snapshot   "b:"     b:<nodeName>:<bitmapName>  block.BitmapData (JSON)
//
// Node names cannot contain ':' (the block layer restricts them to
// [a-zA-Z0-9-_.]), so the separator is unambiguous and the per-node
// prefix scan in List cannot leak into another node's namespace.

func bitmapKey(nodeName, bitmapName string) []byte {
	return []byte("b:" + nodeName + ":" + bitmapName)
}

func nodePrefix(nodeName string) []byte {
	return []byte("b:" + nodeName + ":")
}
