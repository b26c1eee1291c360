// Package hash provides the CRC32-Castagnoli checksum used to protect
// checkpoint chunks and S3 uploads.
//
//	checksum := hash.CRC32C(data)
//
// For streaming checksums:
//
//	h := hash.NewCRC32C()
//	h.Write(header)
//	h.Write(payload)
//	checksum := h.Sum32()
package hash
