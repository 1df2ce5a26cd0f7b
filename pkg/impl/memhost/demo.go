package memhost

// DemoScene links a small scene into h: one collection holding a textured
// cube and an empty, and returns the scene.
func DemoScene(h *Host, name string) *Scene {
	tex := NewImage("checker")
	tex.Width, tex.Height = 2, 2
	tex.Pixels = []byte{
		0, 0, 0, 255, 255, 255, 255, 255,
		255, 255, 255, 255, 0, 0, 0, 255,
	}

	mesh := NewMesh("cube")
	mesh.Vertices = []float64{
		-1, -1, -1, 1, -1, -1, 1, 1, -1, -1, 1, -1,
		-1, -1, 1, 1, -1, 1, 1, 1, 1, -1, 1, 1,
	}
	mesh.Faces = []int{
		0, 1, 2, 0, 2, 3, 4, 5, 6, 4, 6, 7,
		0, 1, 5, 0, 5, 4, 2, 3, 7, 2, 7, 6,
		1, 2, 6, 1, 6, 5, 0, 3, 7, 0, 7, 4,
	}
	mesh.Texture = tex

	cube := NewObject("Cube")
	cube.Data = mesh
	empty := NewObject("Empty")
	empty.Location = [3]float64{0, 0, 3}

	coll := NewCollection("Collection")
	coll.Objects = []*Object{cube, empty}

	scene := NewScene(name)
	scene.Collections = []*Collection{coll}

	h.Add(tex)
	h.Add(mesh)
	h.Add(cube)
	h.Add(empty)
	h.Add(coll)
	h.Add(scene)
	return scene
}
