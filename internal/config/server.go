package config

import "github.com/urfave/cli/v3"

// Server holds HTTP server configuration
type Server struct {
	Addr           string
	APIToken       string
	MaxUploadBytes int64
}

func (c *Server) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Server address",
			Value:       ":8000",
			Destination: &c.Addr,
			Sources:     env("ADDR"),
		},
		&cli.StringFlag{
			Name:        "api-token",
			Usage:       "Bearer token required on /api routes (empty disables auth)",
			Destination: &c.APIToken,
			Sources:     env("API_TOKEN"),
		},
		&cli.Int64Flag{
			Name:        "max-upload-bytes",
			Usage:       "Largest artifact accepted by /api/upload",
			Value:       64 << 20,
			Destination: &c.MaxUploadBytes,
			Sources:     env("MAX_UPLOAD_BYTES"),
		},
	}
}
