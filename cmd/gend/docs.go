package main

// General API documentation for swaggo. Regenerate with
// `swag init -g cmd/gend/docs.go -o docs`.
//
// @title           gend API
// @version         1.0
// @description     HTTP API for on-demand local text generation.
//
// @contact.name   gend maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
