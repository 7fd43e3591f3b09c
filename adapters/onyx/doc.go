// Package onyx deploys certificates to NVIDIA Onyx switches through the
// switch's JSON command API.
//
// Certificates are named objects on the switch. Staging deletes any object
// with the requested name and imports the certificate and key under it;
// activation points the web server at that name and takes effect without a
// restart. The running configuration is then saved unless SkipSave is set.
package onyx
