// Package device defines the backend-neutral view of the BLE adapter used by the bed
// controller: a Central that scans and dials, a Link per connected peripheral and the
// single writable Characteristic each bed exposes.
//
// Concrete adapters live in sub-packages (see go-ble) and are selected by devicefactory.
package device
