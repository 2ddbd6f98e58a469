// Package usbid resolves USB vendor and product IDs to names using the
// usb.ids database shipped with most Linux distributions.
//
// The bridge daemon uses it to label serial devices when listing ports:
//
//	db := usbid.New()
//	db.Load()
//	vendor, product := db.Names(0x04b4, 0x0003)
//
// If no database file is found, lookups return empty strings. [Parse]
// reads the same format from any reader.
package usbid
