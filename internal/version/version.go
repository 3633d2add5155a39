// ABOUTME: Product and version identification
// ABOUTME: Reported by --version and in the TUI header
package version

const (
	// Version is the release version
	Version = "0.3.0"

	// Product is the product name
	Product = "Capture Monitor"

	// Manufacturer identifies the publisher
	Manufacturer = "harperreed"
)

// String returns "Product Version"
func String() string {
	return Product + " " + Version
}
