package somneo

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
)

// Description holds the identifying fields of a device's UPnP
// description document.
type Description struct {
	FriendlyName string
	Manufacturer string
	Model        string
	UDN          string
}

// Serial derives a serial number from the UDN ("uuid:..." prefix stripped).
func (d Description) Serial() string {
	return strings.TrimPrefix(d.UDN, "uuid:")
}

// Description fetches and parses /upnp/description.xml.
func (c *Client) Description(ctx context.Context) (Description, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+descriptionPath, nil)
	if err != nil {
		return Description{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Description{}, fmt.Errorf("get %s: %w", descriptionPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Description{}, fmt.Errorf("get %s: unexpected status: %s", descriptionPath, resp.Status)
	}

	var body struct {
		Device struct {
			FriendlyName string `xml:"friendlyName"`
			Manufacturer string `xml:"manufacturer"`
			ModelName    string `xml:"modelName"`
			UDN          string `xml:"UDN"`
		} `xml:"device"`
	}
	if err := xml.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Description{}, fmt.Errorf("decode %s: %w", descriptionPath, err)
	}

	return Description{
		FriendlyName: body.Device.FriendlyName,
		Manufacturer: body.Device.Manufacturer,
		Model:        body.Device.ModelName,
		UDN:          body.Device.UDN,
	}, nil
}
