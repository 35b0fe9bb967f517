package model

import "fmt"

// BucketName computes the bit-exact time-series bucket name for a
// protocol and device, sharded by device_uid mod 100.
func BucketName(prefix, protocol string, deviceUID int64) string {
	return fmt.Sprintf("%s_%s_%d", prefix, protocol, deviceUID%100)
}

// Measurement computes the bit-exact measurement name for a sample.
func Measurement(protocol, deviceUID, identificationCode string) string {
	return fmt.Sprintf("%s_%s_%s", protocol, deviceUID, identificationCode)
}

// CollectionName computes the bit-exact document-store collection name,
// sharded by id mod 100.
func CollectionName(prefix string, id int64) string {
	return fmt.Sprintf("%s_%d", prefix, id%100)
}
