package client

// Convenience wrappers over Call for each operation in the broker's
// external interface (spec.md §6). Callers needing raw wire access can
// still use Call directly.

func (c *Client) Ping() (int, error) {
	var result struct {
		Version int `json:"version"`
	}
	err := c.Call("ping", struct{}{}, &result)
	return result.Version, err
}

func (c *Client) GetMyPermission(pkg string, user int) (*Grant, error) {
	var g Grant
	err := c.Call("get_my_permission", map[string]interface{}{"package": pkg, "user": user}, &g)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// RequestPermissionResult is request_permission's outcome.
type RequestPermissionResult struct {
	Granted bool   `json:"granted"`
	Grant   *Grant `json:"grant,omitempty"`
	Token   string `json:"token,omitempty"`
}

func (c *Client) RequestPermission(pkg string, user int) (*RequestPermissionResult, error) {
	var result RequestPermissionResult
	err := c.Call("request_permission", map[string]interface{}{"package": pkg, "user": user}, &result)
	return &result, err
}

func (c *Client) AttachSession(token string) error {
	return c.Call("attach_session", map[string]interface{}{"token": token}, nil)
}

func (c *Client) ListPermissions(user int) ([]Grant, error) {
	var grants []Grant
	err := c.Call("mgmt.list_permissions", map[string]interface{}{"user": user}, &grants)
	return grants, err
}

func (c *Client) GetPermission(pkg string, user int) (*Grant, error) {
	var g Grant
	err := c.Call("mgmt.get_permission", map[string]interface{}{"package": pkg, "user": user}, &g)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) RevokePermission(pkg string, user int) error {
	return c.Call("mgmt.revoke_permission", map[string]interface{}{"package": pkg, "user": user}, nil)
}

func (c *Client) RevokeAllPermissions(user int) error {
	return c.Call("mgmt.revoke_all_permissions", map[string]interface{}{"user": user}, nil)
}

func (c *Client) GetAuditLog(pkg string, user int) ([]AuditEvent, error) {
	var events []AuditEvent
	err := c.Call("mgmt.get_audit_log", map[string]interface{}{"package": pkg, "user": user}, &events)
	return events, err
}
