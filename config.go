package main

// Config is the terminal client configuration.
type Config struct {
	// Server is the root URL of the estimation server, e.g.
	// http://localhost:8090. The websocket scheme is derived from it.
	Server string `koanf:"server"`

	Room string `koanf:"room"`
	Name string `koanf:"name"`
	Role string `koanf:"role"`
}
